package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/recovery"
)

// firstReadSize bounds the client bytes sent together with the header.
const firstReadSize = 8192

// aLongTimeAgo is a deadline in the past, used to unblock a pending Read.
var aLongTimeAgo = time.Unix(1, 0)

type firstRead struct {
	data []byte
	err  error
}

// readFirst starts reading the first bytes from local. The returned function
// waits up to wait for them, then cuts the read short and returns whatever
// arrived.
func readFirst(local net.Conn) func(wait time.Duration) (firstRead, error) {
	ch := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, firstReadSize)
		n, err := local.Read(buf)
		ch <- firstRead{data: buf[:n], err: err}
	}()

	return func(wait time.Duration) (firstRead, error) {
		var fr firstRead
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case fr = <-ch:
		case <-timer.C:
			local.SetReadDeadline(aLongTimeAgo)
			fr = <-ch
			local.SetReadDeadline(time.Time{})
		}
		if fr.err != nil && !isTimeout(fr.err) && !errors.Is(fr.err, io.EOF) {
			return fr, fmt.Errorf("read client: %w", fr.err)
		}
		return fr, nil
	}
}

// writeConnect sends the CONNECT header for target followed by first in a
// single write.
func writeConnect(env *Env, remote net.Conn, target protocol.Address, first []byte, t *traffic) error {
	buf, err := protocol.AppendHeader(make([]byte, 0, protocol.MaxHeaderSize+len(first)), protocol.Header{
		Digest:  env.Digest,
		Command: protocol.CmdConnect,
		Address: target,
	})
	if err != nil {
		return err
	}
	buf = append(buf, first...)

	if _, err := remote.Write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	t.upload.Add(uint64(len(first)))
	return nil
}

// dialRemote opens a TLS connection to the upstream server.
func dialRemote(ctx context.Context, env *Env) (net.Conn, error) {
	remote, err := env.Remote.DialContext(ctx, env.RemoteAddr)
	if err != nil {
		env.Metrics.RecordDialError("remote")
		return nil, fmt.Errorf("dial remote %s: %w", env.RemoteAddr, err)
	}
	return remote, nil
}

// ForwardSession relays one local TCP connection through a tunnel to a fixed
// target. It serves forward mode, and nat mode with the target recovered from
// the redirected socket.
type ForwardSession struct {
	env    *Env
	conn   net.Conn
	target protocol.Address
	logger *slog.Logger

	state   stateVar
	socks   sockets
	traffic traffic
	started time.Time

	destroyed sync.Once
}

// NewForwardSession creates a session relaying conn to target.
func NewForwardSession(env *Env, conn net.Conn, target protocol.Address) *ForwardSession {
	s := &ForwardSession{
		env:     env,
		conn:    conn,
		target:  target,
		started: time.Now(),
		logger: env.logger().With(
			slog.Uint64(logging.KeySession, nextID()),
			slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
			slog.String(logging.KeyTarget, target.String()),
		),
	}
	s.socks.add(conn)
	return s
}

// State returns the current state.
func (s *ForwardSession) State() State {
	return s.state.get()
}

// Close tears the session down from any goroutine.
func (s *ForwardSession) Close() error {
	s.socks.close()
	return nil
}

// Run drives the session until it is destroyed.
func (s *ForwardSession) Run(ctx context.Context) {
	defer s.destroy()
	defer recovery.RecoverWithLog(s.logger, "session.ForwardSession")

	s.env.Metrics.RecordSessionStart(metrics.KindForward)
	s.state.set(StateConnect)

	// Whatever the client sends while the tunnel is being dialed goes out
	// with the header.
	first := readFirst(s.conn)
	remote, err := dialRemote(ctx, s.env)
	if err != nil {
		s.logger.Warn("cannot open tunnel", slog.String(logging.KeyError, err.Error()))
		return
	}
	if !s.socks.add(remote) {
		return
	}

	fr, err := first(0)
	if err != nil {
		s.logger.Debug("client read failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	if err := writeConnect(s.env, remote, s.target, fr.data, &s.traffic); err != nil {
		s.logger.Warn("cannot open tunnel", slog.String(logging.KeyError, err.Error()))
		return
	}

	s.logger.Debug("tunnel established")
	s.state.set(StateForwarding)
	relay(s.conn, remote, &s.traffic)
}

func (s *ForwardSession) destroy() {
	s.destroyed.Do(func() {
		s.state.set(StateDestroy)
		s.socks.close()

		up, down := s.traffic.upload.Load(), s.traffic.download.Load()
		elapsed := time.Since(s.started)
		s.env.Metrics.RecordBytes(up, down)
		s.env.Metrics.RecordSessionEnd(metrics.KindForward, elapsed.Seconds())
		s.logger.Info("session closed",
			slog.String(logging.KeyUpload, humanize.Bytes(up)),
			slog.String(logging.KeyDownload, humanize.Bytes(down)),
			slog.String(logging.KeyDuration, elapsed.Round(time.Millisecond).String()))
	})
}
