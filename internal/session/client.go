package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/recovery"
	"github.com/postalsys/trojan-relay/internal/socks5"
)

// FirstPacketWait is how long a SOCKS5 CONNECT waits for the client's first
// bytes so they can travel with the tunnel header.
const FirstPacketWait = 50 * time.Millisecond

// ClientSession serves one SOCKS5 client. CONNECT requests become CONNECT
// tunnels; UDP ASSOCIATE requests get a relay socket whose datagrams are
// carried by a UDPForwardSession until the control connection closes.
type ClientSession struct {
	env    *Env
	conn   net.Conn
	logger *slog.Logger

	state   stateVar
	socks   sockets
	traffic traffic
	started time.Time

	destroyed sync.Once
}

// NewClientSession creates a session for an accepted SOCKS5 connection.
func NewClientSession(env *Env, conn net.Conn) *ClientSession {
	s := &ClientSession{
		env:     env,
		conn:    conn,
		started: time.Now(),
		logger: env.logger().With(
			slog.Uint64(logging.KeySession, nextID()),
			slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		),
	}
	s.socks.add(conn)
	return s
}

// State returns the current state.
func (s *ClientSession) State() State {
	return s.state.get()
}

// Close tears the session down from any goroutine.
func (s *ClientSession) Close() error {
	s.socks.close()
	return nil
}

// Run drives the session until it is destroyed.
func (s *ClientSession) Run(ctx context.Context) {
	defer s.destroy()
	defer recovery.RecoverWithLog(s.logger, "session.ClientSession")

	s.env.Metrics.RecordSessionStart(metrics.KindClient)
	s.state.set(StateHandshake)

	if d := s.env.HandshakeTimeout; d > 0 {
		s.conn.SetDeadline(time.Now().Add(d))
	}

	if err := socks5.Negotiate(s.conn); err != nil {
		s.logger.Debug("socks5 negotiation failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	req, err := socks5.ReadRequest(s.conn)
	if err != nil {
		s.logger.Debug("socks5 request failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	s.conn.SetDeadline(time.Time{})

	switch req.Command {
	case socks5.CmdConnect:
		s.connect(ctx, req.Address)
	case socks5.CmdUDPAssociate:
		s.udpAssociate(ctx)
	default:
		s.logger.Debug("unsupported socks5 command", slog.Int("command", int(req.Command)))
		socks5.WriteReply(s.conn, socks5.ReplyCmdNotSupported, netip.AddrPort{})
	}
}

func (s *ClientSession) connect(ctx context.Context, target protocol.Address) {
	s.state.set(StateConnect)
	log := s.logger.With(slog.String(logging.KeyTarget, target.String()))

	remote, err := dialRemote(ctx, s.env)
	if err != nil {
		log.Warn("cannot open tunnel", slog.String(logging.KeyError, err.Error()))
		socks5.WriteReply(s.conn, socks5.ReplyForError(err), netip.AddrPort{})
		return
	}
	if !s.socks.add(remote) {
		return
	}

	if err := socks5.WriteReply(s.conn, socks5.ReplySucceeded, addrPortOf(s.conn.LocalAddr())); err != nil {
		return
	}

	fr, err := readFirst(s.conn)(FirstPacketWait)
	if err != nil {
		log.Debug("client read failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	if err := writeConnect(s.env, remote, target, fr.data, &s.traffic); err != nil {
		log.Warn("cannot open tunnel", slog.String(logging.KeyError, err.Error()))
		return
	}

	log.Info("tunnel established")
	s.state.set(StateForwarding)
	relay(s.conn, remote, &s.traffic)
}

// udpAssociate binds a relay socket on the address the client reached us
// on and carries its datagrams until the control connection closes.
func (s *ClientSession) udpAssociate(ctx context.Context) {
	s.state.set(StateUDPForward)

	local := addrPortOf(s.conn.LocalAddr())
	pc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(local.Addr(), 0)))
	if err != nil {
		s.logger.Warn("cannot open udp relay socket", slog.String(logging.KeyError, err.Error()))
		socks5.WriteReply(s.conn, socks5.ReplyServerFailure, netip.AddrPort{})
		return
	}
	if !s.socks.add(pc) {
		return
	}

	bind := addrPortOf(pc.LocalAddr())
	if err := socks5.WriteReply(s.conn, socks5.ReplySucceeded, bind); err != nil {
		return
	}
	s.logger.Info("udp associate", slog.String(logging.KeyLocalAddr, bind.String()))

	// The association lives as long as the control connection.
	recovery.Go(s.logger, "session.ClientSession.control", func() {
		defer s.Close()
		io.Copy(io.Discard, s.conn)
	})

	clientIP := addrPortOf(s.conn.RemoteAddr()).Addr()
	write := func(dst netip.AddrPort, data []byte) error {
		_, err := pc.WriteToUDPAddrPort(data, dst)
		return err
	}

	var assoc *UDPForwardSession
	defer func() {
		if assoc != nil {
			assoc.Close()
		}
	}()

	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, from, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("udp relay read failed", slog.String(logging.KeyError, err.Error()))
			}
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if from.Addr() != clientIP {
			s.env.Metrics.RecordUDPDrop("foreign_source")
			continue
		}

		if assoc != nil && assoc.Process(from, buf[:n]) {
			continue
		}
		if assoc != nil {
			assoc.Close()
		}
		assoc = NewUDPForwardSession(s.env, from, SOCKS5Datagrams{}, write)
		assoc.Process(from, buf[:n])
		go assoc.Run(ctx)
	}
}

func (s *ClientSession) destroy() {
	s.destroyed.Do(func() {
		s.state.set(StateDestroy)
		s.socks.close()

		up, down := s.traffic.upload.Load(), s.traffic.download.Load()
		elapsed := time.Since(s.started)
		s.env.Metrics.RecordBytes(up, down)
		s.env.Metrics.RecordSessionEnd(metrics.KindClient, elapsed.Seconds())
		if up > 0 || down > 0 {
			s.logger.Info("session closed",
				slog.String(logging.KeyUpload, humanize.Bytes(up)),
				slog.String(logging.KeyDownload, humanize.Bytes(down)),
				slog.String(logging.KeyDuration, elapsed.Round(time.Millisecond).String()))
		}
	})
}

// addrPortOf returns the unmapped address of a TCP or UDP net.Addr.
func addrPortOf(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
