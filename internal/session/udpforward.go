package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/recovery"
	"github.com/postalsys/trojan-relay/internal/socks5"
)

// udpQueueSize is how many client datagrams may wait for the tunnel.
const udpQueueSize = 64

// DatagramCodec translates between client datagrams and tunnel frames.
type DatagramCodec interface {
	Decode(data []byte) (protocol.Packet, error)
	Encode(p protocol.Packet) ([]byte, error)
}

// FixedTarget sends every client datagram to one target and returns replies
// as bare payloads. It serves forward mode.
type FixedTarget struct {
	Target protocol.Address
}

func (f FixedTarget) Decode(data []byte) (protocol.Packet, error) {
	return protocol.Packet{Address: f.Target, Payload: data}, nil
}

func (f FixedTarget) Encode(p protocol.Packet) ([]byte, error) {
	return p.Payload, nil
}

// SOCKS5Datagrams carries the destination in a SOCKS5 UDP request header.
type SOCKS5Datagrams struct{}

func (SOCKS5Datagrams) Decode(data []byte) (protocol.Packet, error) {
	d, err := socks5.ParseDatagram(data)
	if err != nil {
		return protocol.Packet{}, err
	}
	return protocol.Packet{Address: d.Address, Payload: d.Data}, nil
}

func (SOCKS5Datagrams) Encode(p protocol.Packet) ([]byte, error) {
	return socks5.AppendDatagram(nil, socks5.Datagram{Address: p.Address, Data: p.Payload})
}

// UDPForwardSession carries the datagrams of one client endpoint over one
// UDP_ASSOCIATE tunnel. Datagrams arrive through Process from a socket the
// caller reads; replies leave through the caller's OutboundWriter. The
// session is destroyed after UDPTimeout without traffic in either direction.
type UDPForwardSession struct {
	env      *Env
	endpoint netip.AddrPort
	codec    DatagramCodec
	write    OutboundWriter
	logger   *slog.Logger

	state   stateVar
	socks   sockets
	traffic traffic
	started time.Time

	queue chan protocol.Packet
	done  chan struct{}
	alive atomic.Bool
	idle  *time.Timer

	closeOnce sync.Once
	destroyed sync.Once
}

// NewUDPForwardSession creates a session for datagrams from endpoint. Run
// must be started for queued datagrams to be sent.
func NewUDPForwardSession(env *Env, endpoint netip.AddrPort, codec DatagramCodec, write OutboundWriter) *UDPForwardSession {
	s := &UDPForwardSession{
		env:      env,
		endpoint: endpoint,
		codec:    codec,
		write:    write,
		started:  time.Now(),
		queue:    make(chan protocol.Packet, udpQueueSize),
		done:     make(chan struct{}),
		logger: env.logger().With(
			slog.Uint64(logging.KeySession, nextID()),
			slog.String(logging.KeyClient, endpoint.String()),
		),
	}
	s.alive.Store(true)
	if env.UDPTimeout > 0 {
		s.idle = time.AfterFunc(env.UDPTimeout, func() {
			s.logger.Debug("udp session idle")
			s.Close()
		})
	}
	return s
}

// Endpoint returns the client endpoint the session is bound to.
func (s *UDPForwardSession) Endpoint() netip.AddrPort {
	return s.endpoint
}

// State returns the current state.
func (s *UDPForwardSession) State() State {
	return s.state.get()
}

// Alive reports whether the session has not been destroyed.
func (s *UDPForwardSession) Alive() bool {
	return s.alive.Load()
}

// Process queues a datagram from endpoint for the tunnel. It reports false
// when the session is destroyed or bound to another endpoint.
func (s *UDPForwardSession) Process(endpoint netip.AddrPort, data []byte) bool {
	if !s.alive.Load() || endpoint != s.endpoint {
		return false
	}

	p, err := s.codec.Decode(data)
	if err != nil {
		s.env.Metrics.RecordUDPDrop("malformed")
		s.logger.Debug("dropping datagram", slog.String(logging.KeyError, err.Error()))
		return true
	}
	p.Payload = bytes.Clone(p.Payload)

	select {
	case s.queue <- p:
		s.touch()
	default:
		s.env.Metrics.RecordUDPDrop("queue_full")
	}
	return true
}

// Close tears the session down from any goroutine.
func (s *UDPForwardSession) Close() error {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		if s.idle != nil {
			s.idle.Stop()
		}
		s.socks.close()
	})
	return nil
}

func (s *UDPForwardSession) touch() {
	if s.idle != nil {
		s.idle.Reset(s.env.UDPTimeout)
	}
}

// Run opens the tunnel with the first queued datagram and relays until the
// session is closed or the tunnel fails.
func (s *UDPForwardSession) Run(ctx context.Context) {
	defer s.destroy()
	defer recovery.RecoverWithLog(s.logger, "session.UDPForwardSession")

	s.env.Metrics.RecordSessionStart(metrics.KindUDPForward)
	s.state.set(StateConnect)

	var first protocol.Packet
	select {
	case first = <-s.queue:
	case <-s.done:
		return
	case <-ctx.Done():
		return
	}

	remote, err := dialRemote(ctx, s.env)
	if err != nil {
		s.logger.Warn("cannot open tunnel", slog.String(logging.KeyError, err.Error()))
		return
	}
	if !s.socks.add(remote) {
		return
	}

	if err := s.sendFirst(remote, first); err != nil {
		s.logger.Warn("cannot open tunnel", slog.String(logging.KeyError, err.Error()))
		return
	}
	s.state.set(StateForward)
	s.logger.Debug("udp tunnel established", slog.String(logging.KeyTarget, first.Address.String()))

	go s.uplink(remote)
	s.downlink(remote)
}

func (s *UDPForwardSession) sendFirst(remote net.Conn, p protocol.Packet) error {
	buf, err := protocol.AppendHeader(nil, protocol.Header{
		Digest:  s.env.Digest,
		Command: protocol.CmdUDPAssociate,
		Address: p.Address,
	})
	if err != nil {
		return err
	}
	if buf, err = protocol.AppendPacket(buf, p); err != nil {
		return err
	}
	if _, err := remote.Write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	s.traffic.upload.Add(uint64(len(p.Payload)))
	s.env.Metrics.RecordUDPDatagram("upload")
	return nil
}

func (s *UDPForwardSession) uplink(remote net.Conn) {
	defer s.Close()
	defer recovery.RecoverWithLog(s.logger, "session.UDPForwardSession.uplink")

	for {
		select {
		case <-s.done:
			return
		case p := <-s.queue:
			if err := protocol.WritePacket(remote, p); err != nil {
				s.logger.Debug("tunnel write failed", slog.String(logging.KeyError, err.Error()))
				return
			}
			s.traffic.upload.Add(uint64(len(p.Payload)))
			s.env.Metrics.RecordUDPDatagram("upload")
		}
	}
}

func (s *UDPForwardSession) downlink(remote net.Conn) {
	pr := protocol.NewPacketReader(remote, nil)
	for {
		p, err := pr.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.alive.Load() {
				s.logger.Debug("tunnel read failed", slog.String(logging.KeyError, err.Error()))
			}
			return
		}
		s.state.set(StateForwarding)

		data, err := s.codec.Encode(p)
		if err != nil {
			s.env.Metrics.RecordUDPDrop("malformed")
			continue
		}
		if err := s.write(s.endpoint, data); err != nil {
			s.logger.Debug("reply to client failed", slog.String(logging.KeyError, err.Error()))
			return
		}
		s.touch()
		s.traffic.download.Add(uint64(len(p.Payload)))
		s.env.Metrics.RecordUDPDatagram("download")
	}
}

func (s *UDPForwardSession) destroy() {
	s.destroyed.Do(func() {
		s.Close()
		s.state.set(StateDestroy)

		up, down := s.traffic.upload.Load(), s.traffic.download.Load()
		elapsed := time.Since(s.started)
		s.env.Metrics.RecordBytes(up, down)
		s.env.Metrics.RecordSessionEnd(metrics.KindUDPForward, elapsed.Seconds())
		s.logger.Info("udp session closed",
			slog.String(logging.KeyUpload, humanize.Bytes(up)),
			slog.String(logging.KeyDownload, humanize.Bytes(down)),
			slog.String(logging.KeyDuration, elapsed.Round(time.Millisecond).String()))
	})
}
