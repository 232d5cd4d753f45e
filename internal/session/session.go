// Package session implements the per-connection state machines of the relay:
// the server side that terminates TLS and authenticates tunnels, the
// forward side that opens tunnels for local TCP connections, the UDP
// association that carries datagrams over one tunnel, and the SOCKS5 client
// front end.
//
// Every session runs on the goroutine that calls Run and ends in
// StateDestroy, which closes its sockets and reports usage exactly once.
// Close may be called from any goroutine to tear a session down; the
// blocked Run then unwinds through its normal error path.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
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
	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/transport"
)

// DrainTimeout bounds the remaining direction of a relay after the other
// direction has finished.
const DrainTimeout = 10 * time.Second

// usageReportTimeout bounds the RecordUsage call made on destroy.
const usageReportTimeout = 5 * time.Second

// State is a session's position in its state machine.
type State int32

const (
	StateHandshake State = iota
	StateConnect
	StateForward
	StateUDPForward
	StateForwarding
	StateDestroy
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateConnect:
		return "CONNECT"
	case StateForward:
		return "FORWARD"
	case StateUDPForward:
		return "UDP_FORWARD"
	case StateForwarding:
		return "FORWARDING"
	case StateDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// Session is the surface the service needs to run and stop a session.
type Session interface {
	Run(ctx context.Context)
	Close() error
}

// Dialer opens plaintext outbound TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// RemoteDialer opens TLS connections to the upstream server.
type RemoteDialer interface {
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}

// Resolver maps a host to a UDP socket address.
type Resolver func(ctx context.Context, host string, port uint16) (netip.AddrPort, error)

// OutboundWriter sends a datagram to a client endpoint through a socket the
// caller owns.
type OutboundWriter func(dst netip.AddrPort, data []byte) error

// Fallback describes the web server that receives traffic which is not a
// valid tunnel.
type Fallback struct {
	Host      string
	Port      uint16
	ALPNPorts map[string]uint16
}

// Enabled reports whether a fallback server is configured.
func (f Fallback) Enabled() bool {
	return f.Host != "" && f.Port != 0
}

// Target returns the fallback address for a negotiated ALPN protocol.
func (f Fallback) Target(alpn string) string {
	port := f.Port
	if p, ok := f.ALPNPorts[alpn]; ok && alpn != "" {
		port = p
	}
	return net.JoinHostPort(f.Host, strconv.Itoa(int(port)))
}

// Env carries everything sessions depend on. One Env is shared by all
// sessions of a service.
type Env struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Server side.
	Auth              auth.Authenticator
	TLSConfig         *tls.Config
	Fallback          Fallback
	PlainHTTPResponse []byte
	HandshakeTimeout  time.Duration

	// RejectLog throttles warnings about rejected tunnels. Nil logs all.
	RejectLog *rate.Limiter

	// Outbound.
	Dialer  Dialer
	Resolve Resolver

	// Client side.
	Remote     RemoteDialer
	RemoteAddr string
	Digest     string

	UDPTimeout time.Duration
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.NopLogger()
	}
	return e.Logger
}

func (e *Env) resolve(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	if e.Resolve != nil {
		return e.Resolve(ctx, host, port)
	}
	return transport.ResolveUDP(ctx, host, port, false)
}

func (e *Env) allowRejectLog() bool {
	return e.RejectLog == nil || e.RejectLog.Allow()
}

var sessionSeq atomic.Uint64

func nextID() uint64 {
	return sessionSeq.Add(1)
}

// sockets tracks what a session has to close. Close may race with the
// session goroutine adding a socket; a socket added after close is closed
// immediately.
type sockets struct {
	mu     sync.Mutex
	closed bool
	list   []io.Closer
}

func (s *sockets) add(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.Close()
		return false
	}
	s.list = append(s.list, c)
	return true
}

func (s *sockets) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i := len(s.list) - 1; i >= 0; i-- {
		s.list[i].Close()
	}
	s.list = nil
}

// traffic counts relayed bytes. Upload is client to destination.
type traffic struct {
	upload   atomic.Uint64
	download atomic.Uint64
}

type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) set(st State) { s.v.Store(int32(st)) }
func (s *stateVar) get() State   { return State(s.v.Load()) }

// halfCloser is implemented by connections that can shut down their write
// side alone (TCP, TLS).
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	c.Close()
}

// relay splices client and remote until both directions finish. When one
// direction ends, the write side of its destination is shut down and both
// connections get a drain deadline so the other direction can flush.
func relay(client, remote net.Conn, t *traffic) {
	var wg sync.WaitGroup
	var once sync.Once
	drain := func() {
		once.Do(func() {
			deadline := time.Now().Add(DrainTimeout)
			client.SetDeadline(deadline)
			remote.SetDeadline(deadline)
		})
	}

	pipe := func(dst, src net.Conn, counter *atomic.Uint64) {
		defer wg.Done()
		n, _ := io.Copy(dst, src)
		counter.Add(uint64(n))
		closeWrite(dst)
		drain()
	}

	wg.Add(2)
	go pipe(remote, client, &t.upload)
	go pipe(client, remote, &t.download)
	wg.Wait()
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// recordingReader keeps a copy of everything read through it.
type recordingReader struct {
	r   io.Reader
	buf []byte
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	rr.buf = append(rr.buf, p[:n]...)
	return n, err
}

// reportUsage hands the session's traffic to the authenticator.
func reportUsage(env *Env, logger *slog.Logger, digest string, t *traffic) {
	if env.Auth == nil || digest == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), usageReportTimeout)
	defer cancel()
	if err := env.Auth.RecordUsage(ctx, digest, t.upload.Load(), t.download.Load()); err != nil {
		logger.Warn("failed to record usage", slog.String(logging.KeyError, err.Error()))
	}
}
