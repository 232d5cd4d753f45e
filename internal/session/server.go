package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/trojan-relay/internal/auth"
	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/recovery"
)

// labeler is implemented by authenticators that can name the account behind
// a digest for logging.
type labeler interface {
	Label(digest string) (string, bool)
}

// ServerSession terminates TLS for one accepted connection, authenticates the
// tunnel header and relays the tunnel to its destination. Traffic that is not
// a valid tunnel goes to the fallback server when one is configured and is
// otherwise dropped without a reply.
type ServerSession struct {
	env    *Env
	conn   net.Conn
	tls    *tls.Conn
	logger *slog.Logger

	state   stateVar
	socks   sockets
	traffic traffic
	started time.Time

	digest    string
	destroyed sync.Once
}

// NewServerSession creates a session for an accepted raw connection.
func NewServerSession(env *Env, conn net.Conn) *ServerSession {
	s := &ServerSession{
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
func (s *ServerSession) State() State {
	return s.state.get()
}

// Close tears the session down from any goroutine.
func (s *ServerSession) Close() error {
	s.socks.close()
	return nil
}

// Run drives the session until it is destroyed.
func (s *ServerSession) Run(ctx context.Context) {
	defer s.destroy()
	defer recovery.RecoverWithLog(s.logger, "session.ServerSession")

	s.env.Metrics.RecordSessionStart(metrics.KindServer)
	s.state.set(StateHandshake)

	if d := s.env.HandshakeTimeout; d > 0 {
		s.conn.SetDeadline(time.Now().Add(d))
	}

	if !s.handshakeTLS(ctx) {
		return
	}

	rec := &recordingReader{r: s.tls}
	hdr, payload, err := protocol.ReadHeader(rec)
	if err != nil {
		if len(rec.buf) == 0 {
			s.logger.Debug("connection closed before header", slog.String(logging.KeyError, err.Error()))
			return
		}
		s.env.Metrics.RecordHandshakeError("header")
		s.reject(ctx, rec.buf, "malformed tunnel header", err)
		return
	}

	if err := auth.Check(ctx, s.env.Auth, hdr.Digest); err != nil {
		if errors.Is(err, auth.ErrRejected) {
			s.env.Metrics.RecordAuth(metrics.AuthRejected)
		} else {
			s.env.Metrics.RecordAuth(metrics.AuthError)
		}
		s.reject(ctx, rec.buf, "tunnel rejected", err)
		return
	}
	s.env.Metrics.RecordAuth(metrics.AuthAccepted)
	s.digest = hdr.Digest
	if l, ok := s.env.Auth.(labeler); ok {
		if user, ok := l.Label(hdr.Digest); ok {
			s.logger = s.logger.With(slog.String(logging.KeyUser, user))
		}
	}

	s.conn.SetDeadline(time.Time{})

	switch hdr.Command {
	case protocol.CmdConnect:
		s.forward(ctx, hdr.Address, payload)
	case protocol.CmdUDPAssociate:
		s.udpForward(ctx, payload)
	}
}

func (s *ServerSession) handshakeTLS(ctx context.Context) bool {
	start := time.Now()
	s.tls = tls.Server(s.conn, s.env.TLSConfig)
	s.socks.add(s.tls)

	err := s.tls.HandshakeContext(ctx)
	if err == nil {
		s.env.Metrics.RecordHandshake(time.Since(start).Seconds())
		return true
	}

	s.env.Metrics.RecordHandshakeError("tls")

	// A record header error means the peer is not speaking TLS at all.
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) && rhe.Conn != nil && len(s.env.PlainHTTPResponse) > 0 {
		s.logger.Debug("non-TLS request, sending plain response")
		rhe.Conn.Write(s.env.PlainHTTPResponse)
		return false
	}

	s.logger.Debug("TLS handshake failed", slog.String(logging.KeyError, err.Error()))
	return false
}

// reject routes a connection that failed authentication or header parsing.
// replay holds every plaintext byte read from the client so far.
func (s *ServerSession) reject(ctx context.Context, replay []byte, msg string, err error) {
	if s.env.allowRejectLog() {
		s.logger.Warn(msg, slog.String(logging.KeyError, err.Error()))
	}

	if !s.env.Fallback.Enabled() {
		return
	}

	s.env.Metrics.RecordFallback()
	target := s.env.Fallback.Target(s.tls.ConnectionState().NegotiatedProtocol)
	log := s.logger.With(slog.String(logging.KeyTarget, target))

	s.state.set(StateForward)
	out, err := s.env.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.env.Metrics.RecordDialError("fallback")
		log.Warn("fallback dial failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	if !s.socks.add(out) {
		return
	}

	s.conn.SetDeadline(time.Time{})
	if _, err := out.Write(replay); err != nil {
		log.Debug("fallback replay failed", slog.String(logging.KeyError, err.Error()))
		return
	}

	log.Debug("relaying to fallback")
	s.state.set(StateForwarding)
	relay(s.tls, out, &s.traffic)
}

func (s *ServerSession) forward(ctx context.Context, target protocol.Address, payload []byte) {
	s.state.set(StateForward)
	log := s.logger.With(slog.String(logging.KeyTarget, target.String()))

	out, err := s.env.Dialer.DialContext(ctx, "tcp", target.String())
	if err != nil {
		s.env.Metrics.RecordDialError("destination")
		log.Info("connect failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	if !s.socks.add(out) {
		return
	}

	if len(payload) > 0 {
		n, err := out.Write(payload)
		s.traffic.upload.Add(uint64(n))
		if err != nil {
			log.Debug("write failed", slog.String(logging.KeyError, err.Error()))
			return
		}
	}

	log.Info("tunnel established")
	s.state.set(StateForwarding)
	relay(s.tls, out, &s.traffic)
}

// udpForward relays UDP frames between the tunnel and a socket owned by the
// session until either side fails.
func (s *ServerSession) udpForward(ctx context.Context, payload []byte) {
	s.state.set(StateUDPForward)

	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		s.logger.Warn("cannot open udp socket", slog.String(logging.KeyError, err.Error()))
		return
	}
	if !s.socks.add(pc) {
		return
	}
	s.logger.Info("udp association established", slog.String(logging.KeyLocalAddr, pc.LocalAddr().String()))

	go func() {
		defer s.Close()
		defer recovery.RecoverWithLog(s.logger, "session.ServerSession.udpDownlink")

		buf := make([]byte, protocol.MaxPayloadSize)
		for {
			n, from, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			p := protocol.Packet{Address: protocol.AddressFromAddrPort(from), Payload: buf[:n]}
			if err := protocol.WritePacket(s.tls, p); err != nil {
				return
			}
			s.traffic.download.Add(uint64(n))
			s.env.Metrics.RecordUDPDatagram("download")
		}
	}()

	pr := protocol.NewPacketReader(s.tls, payload)
	for {
		p, err := pr.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("udp tunnel read failed", slog.String(logging.KeyError, err.Error()))
			}
			return
		}

		dst, err := s.env.resolve(ctx, p.Address.Host, p.Address.Port)
		if err != nil {
			s.logger.Info("cannot resolve udp target",
				slog.String(logging.KeyTarget, p.Address.String()),
				slog.String(logging.KeyError, err.Error()))
			return
		}
		if _, err := pc.WriteToUDPAddrPort(p.Payload, dst); err != nil {
			s.logger.Debug("udp send failed", slog.String(logging.KeyError, err.Error()))
			return
		}
		s.traffic.upload.Add(uint64(len(p.Payload)))
		s.env.Metrics.RecordUDPDatagram("upload")
	}
}

func (s *ServerSession) destroy() {
	s.destroyed.Do(func() {
		s.state.set(StateDestroy)
		s.socks.close()

		up, down := s.traffic.upload.Load(), s.traffic.download.Load()
		reportUsage(s.env, s.logger, s.digest, &s.traffic)

		elapsed := time.Since(s.started)
		s.env.Metrics.RecordBytes(up, down)
		s.env.Metrics.RecordSessionEnd(metrics.KindServer, elapsed.Seconds())

		if s.digest != "" {
			s.logger.Info("session closed",
				slog.String(logging.KeyUpload, humanize.Bytes(up)),
				slog.String(logging.KeyDownload, humanize.Bytes(down)),
				slog.String(logging.KeyDuration, elapsed.Round(time.Millisecond).String()))
		}
	})
}

// String describes the session for status listings.
func (s *ServerSession) String() string {
	return fmt.Sprintf("server %s %s", s.conn.RemoteAddr(), s.State())
}
