// Package service owns the listening sockets of a relay and spawns a session
// for every accepted connection and every new UDP flow.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/trojan-relay/internal/auth"
	"github.com/postalsys/trojan-relay/internal/certutil"
	"github.com/postalsys/trojan-relay/internal/config"
	"github.com/postalsys/trojan-relay/internal/health"
	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/recovery"
	"github.com/postalsys/trojan-relay/internal/session"
	"github.com/postalsys/trojan-relay/internal/sysinfo"
	"github.com/postalsys/trojan-relay/internal/transport"
	"github.com/postalsys/trojan-relay/internal/udp"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configures a Service.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Auth overrides the authenticator built from the configuration in
	// server mode. The caller keeps ownership of it.
	Auth auth.Authenticator

	// PasswordSource refetches passwords when the in-memory authenticator
	// is reloaded.
	PasswordSource auth.Source
}

// Service runs one relay in the configured mode.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	env     *session.Env
	tcpOpts transport.TCPOptions

	serverTLS *transport.ServerTLS
	auth      auth.Authenticator
	ownsAuth  bool

	// forward mode
	target protocol.Address
	udpCfg udp.Config
	table  *udp.Table

	listener  net.Listener
	udpConn   *net.UDPConn
	sessions  *tracker
	acceptLog *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a service from opts. Nothing is bound until Start.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(slog.String(logging.KeyMode, cfg.RunType))

	tcpOpts := transport.TCPOptionsFromConfig(cfg.TCP)
	dialer := transport.NewDialer(tcpOpts)
	preferIPv4 := cfg.TCP.PreferIPv4

	s := &Service{
		cfg:       cfg,
		logger:    logger.With(slog.String(logging.KeyComponent, "service")),
		metrics:   opts.Metrics,
		tcpOpts:   tcpOpts,
		sessions:  newTracker(),
		acceptLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	s.env = &session.Env{
		Logger:     logger,
		Metrics:    opts.Metrics,
		Dialer:     dialer,
		UDPTimeout: cfg.UDPIdleTimeout(),
		Resolve: func(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
			return transport.ResolveUDP(ctx, host, port, preferIPv4)
		},
	}

	switch cfg.RunType {
	case config.RunServer:
		if err := s.setupServer(opts); err != nil {
			return nil, err
		}
	case config.RunClient, config.RunForward, config.RunNAT:
		if err := s.setupClient(dialer); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown run_type %q", cfg.RunType)
	}

	if cfg.RunType == config.RunForward {
		target, err := protocol.ParseAddress(cfg.TargetAddress())
		if err != nil {
			return nil, fmt.Errorf("invalid forward target: %w", err)
		}
		s.target = target
		s.udpCfg = udp.ConfigFrom(cfg)
	}

	return s, nil
}

func (s *Service) setupServer(opts Options) error {
	cfg := s.cfg

	serverTLS, err := transport.NewServerTLS(cfg.SSL)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}
	for _, name := range serverTLS.Ignored {
		s.logger.Warn("cipher not supported, ignored", slog.String("cipher", name))
	}
	s.serverTLS = serverTLS
	s.checkCert()

	switch {
	case opts.Auth != nil:
		s.auth = opts.Auth
	case cfg.MySQL.Enabled:
		ledger, err := auth.OpenLedger(cfg.MySQL)
		if err != nil {
			return err
		}
		s.auth = ledger
		s.ownsAuth = true
	default:
		s.auth = auth.NewMemory(cfg.Password, opts.PasswordSource)
		s.ownsAuth = true
	}

	if cfg.SSL.PlainHTTPResponse != "" {
		resp, err := os.ReadFile(cfg.SSL.PlainHTTPResponse)
		if err != nil {
			s.closeAuth()
			return fmt.Errorf("failed to read plain_http_response: %w", err)
		}
		s.env.PlainHTTPResponse = resp
	}

	s.env.Auth = s.auth
	s.env.TLSConfig = serverTLS.Config()
	s.env.HandshakeTimeout = cfg.HandshakeTimeout()
	s.env.RejectLog = rate.NewLimiter(rate.Every(time.Second), 10)
	if cfg.RemoteAddr != "" {
		s.env.Fallback = session.Fallback{
			Host:      cfg.RemoteAddr,
			Port:      cfg.RemotePort,
			ALPNPorts: cfg.SSL.ALPNPortOverride,
		}
	}
	return nil
}

func (s *Service) setupClient(dialer *transport.Dialer) error {
	cfg := s.cfg
	if len(cfg.Password) == 0 {
		return errors.New("password is required")
	}

	clientTLS, err := transport.NewClientTLS(cfg.SSL, cfg.RemoteAddr, dialer)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	s.env.Remote = clientTLS
	s.env.RemoteAddr = cfg.RemoteAddress()
	s.env.Digest = auth.Digest(cfg.Password[0])
	s.env.HandshakeTimeout = cfg.HandshakeTimeout()
	return nil
}

// Start binds the listening sockets and starts serving. Binding failures are
// returned; nothing is left open on error.
func (s *Service) Start() error {
	if s.running.Load() {
		return errors.New("service already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	ln, err := transport.Listen(s.ctx, s.cfg.LocalAddress(), s.tcpOpts)
	if err != nil {
		s.cancel()
		return err
	}
	s.listener = ln

	if s.cfg.RunType == config.RunForward {
		// Same port as the TCP listener, which matters when local_port is 0.
		port := ln.Addr().(*net.TCPAddr).Port
		addr := net.JoinHostPort(s.cfg.LocalAddr, strconv.Itoa(port))
		pc, err := transport.ListenPacket(s.ctx, addr, s.tcpOpts)
		if err != nil {
			ln.Close()
			s.cancel()
			return err
		}
		s.udpConn = pc
		s.table = udp.NewTable(s.udpCfg, s.logger)
	}

	s.started = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	if s.udpConn != nil {
		s.wg.Add(1)
		go s.udpLoop()
	}

	s.logger.Info("service started", slog.String(logging.KeyLocalAddr, ln.Addr().String()))
	if s.cfg.RunType != config.RunServer {
		s.logger.Info("forwarding through remote", slog.String(logging.KeyRemoteAddr, s.env.RemoteAddr))
	}
	return nil
}

// Stop closes the listening sockets and every live session, then waits for
// all of them to finish.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}

		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		if s.table != nil {
			s.table.Close()
		}
		s.sessions.closeAll()

		s.wg.Wait()
		s.closeAuth()

		s.logger.Info("service stopped")
	})
	return err
}

func (s *Service) closeAuth() {
	if s.ownsAuth && s.auth != nil {
		if err := s.auth.Close(); err != nil {
			s.logger.Warn("failed to close authenticator", slog.String(logging.KeyError, err.Error()))
		}
	}
}

// IsRunning reports whether the service is accepting connections.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the TCP listening address, or nil before Start.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UDPAddr returns the forward mode UDP address, or nil.
func (s *Service) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// ReloadCert re-reads the server certificate and key. Established sessions
// keep the certificate they negotiated.
func (s *Service) ReloadCert() error {
	if s.serverTLS == nil {
		return errors.New("certificate reload is only available in server mode")
	}
	err := s.serverTLS.Reload()
	s.metrics.RecordReload("cert", err)
	if err != nil {
		return fmt.Errorf("failed to reload certificate: %w", err)
	}
	s.logger.Info("certificate reloaded", slog.String("cert", s.cfg.SSL.Cert))
	s.checkCert()
	return nil
}

// checkCert logs problems with the served certificate. Unreadable files were
// already reported by the TLS setup.
func (s *Service) checkCert() {
	problems, err := certutil.CheckServerCert(s.cfg.SSL.Cert, []string{s.cfg.SSL.SNI})
	if err != nil {
		return
	}
	for _, p := range problems {
		s.logger.Warn(p, slog.String("cert", s.cfg.SSL.Cert))
	}
}

// ReloadAuth refreshes the credential set.
func (s *Service) ReloadAuth(ctx context.Context) error {
	if s.auth == nil {
		return errors.New("credential reload is only available in server mode")
	}
	err := s.auth.Reload(ctx)
	s.metrics.RecordReload("auth", err)
	if err != nil {
		return err
	}
	s.logger.Info("credentials reloaded")
	return nil
}

// Stats returns current service statistics.
func (s *Service) Stats() health.Stats {
	node := sysinfo.Collect()
	stats := health.Stats{
		Mode:           s.cfg.RunType,
		ActiveSessions: s.sessions.len(),
		Node:           &node,
	}
	if addr := s.Addr(); addr != nil {
		stats.ListenAddress = addr.String()
	}
	if s.table != nil {
		stats.UDPSessions = s.table.Len()
	}
	if m, ok := s.auth.(*auth.Memory); ok {
		stats.Credentials = m.Len()
	}
	if s.running.Load() {
		stats.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	return stats
}

// acceptLoop accepts connections until the listener is closed.
func (s *Service) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "service.acceptLoop")

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.metrics.RecordAcceptError()
			if s.acceptLog.Allow() {
				s.logger.Warn("accept error", slog.String(logging.KeyError, err.Error()))
			}

			// Typically fd exhaustion; back off so the loop does not spin.
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		transport.TuneConn(conn, s.tcpOpts)

		sess, err := s.newSession(conn)
		if err != nil {
			s.logger.Debug("dropping connection",
				slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
				slog.String(logging.KeyError, err.Error()))
			conn.Close()
			continue
		}

		if !s.sessions.add(sess) {
			sess.Close()
			return
		}

		s.wg.Add(1)
		go s.runSession(sess)
	}
}

func (s *Service) newSession(conn net.Conn) (session.Session, error) {
	switch s.cfg.RunType {
	case config.RunServer:
		return session.NewServerSession(s.env, conn), nil
	case config.RunClient:
		return session.NewClientSession(s.env, conn), nil
	case config.RunForward:
		return session.NewForwardSession(s.env, conn, s.target), nil
	case config.RunNAT:
		dst, err := transport.OriginalDst(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to recover original destination: %w", err)
		}
		return session.NewForwardSession(s.env, conn, protocol.AddressFromAddrPort(dst)), nil
	}
	return nil, fmt.Errorf("unknown run_type %q", s.cfg.RunType)
}

func (s *Service) runSession(sess session.Session) {
	defer s.wg.Done()
	defer s.sessions.remove(sess)
	defer sess.Close()
	defer recovery.RecoverWithLog(s.logger, "service.runSession")

	sess.Run(s.ctx)
}

// udpLoop reads client datagrams from the shared socket and hands them to
// the association for their source endpoint.
func (s *Service) udpLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "service.udpLoop")

	buf := make([]byte, s.udpCfg.MaxDatagramSize)
	for {
		n, from, err := s.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.acceptLog.Allow() {
				s.logger.Warn("udp read error", slog.String(logging.KeyError, err.Error()))
			}
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		created, err := s.table.Dispatch(from, buf[:n], s.newUDPSession)
		if err != nil {
			if errors.Is(err, udp.ErrTableFull) {
				s.metrics.RecordUDPDrop("table_full")
			}
			if s.acceptLog.Allow() {
				s.logger.Warn("udp datagram dropped",
					slog.String(logging.KeyClient, from.String()),
					slog.String(logging.KeyError, err.Error()))
			}
			continue
		}
		if created {
			s.metrics.SetUDPSessions(s.table.Len())
		}
	}
}

// newUDPSession is the table factory. It runs under the table lock, so the
// session's network work happens on its own goroutine.
func (s *Service) newUDPSession(endpoint netip.AddrPort) (udp.Association, error) {
	sess := session.NewUDPForwardSession(s.env, endpoint, session.FixedTarget{Target: s.target}, s.writeUDP)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "service.udpSession", func(any) {
			sess.Close()
		})

		sess.Run(s.ctx)
		s.metrics.SetUDPSessions(s.table.Len())
	}()
	return sess, nil
}

func (s *Service) writeUDP(dst netip.AddrPort, data []byte) error {
	_, err := s.udpConn.WriteToUDPAddrPort(data, dst)
	return err
}
