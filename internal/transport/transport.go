// Package transport provides the socket and TLS plumbing trojan-relay runs on:
// tuned TCP listeners and dialers, the server TLS context with hot certificate
// reload, and the client TLS dialer with optional ClientHello mimicry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/postalsys/trojan-relay/internal/config"
)

// ErrOriginalDstUnsupported is returned by OriginalDst on platforms without
// transparent proxy support.
var ErrOriginalDstUnsupported = errors.New("original destination lookup not supported on this platform")

// DefaultDialTimeout bounds outbound TCP connects.
const DefaultDialTimeout = 30 * time.Second

// TCPOptions carries socket tuning flags.
type TCPOptions struct {
	PreferIPv4   bool
	NoDelay      bool
	KeepAlive    bool
	ReusePort    bool
	FastOpen     bool
	FastOpenQlen int
}

// TCPOptionsFromConfig converts the tcp configuration block.
func TCPOptionsFromConfig(c config.TCPConfig) TCPOptions {
	return TCPOptions{
		PreferIPv4:   c.PreferIPv4,
		NoDelay:      c.NoDelay,
		KeepAlive:    c.KeepAlive,
		ReusePort:    c.ReusePort,
		FastOpen:     c.FastOpen,
		FastOpenQlen: c.FastOpenQlen,
	}
}

// Listen opens a TCP listener with port reuse and fast open applied.
func Listen(ctx context.Context, addr string, opts TCPOptions) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return controlListener(c, opts)
		},
	}
	if !opts.KeepAlive {
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ListenPacket opens a UDP socket, with port reuse when requested.
func ListenPacket(ctx context.Context, addr string, opts TCPOptions) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return controlPacket(c, opts)
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// Dialer opens tuned plaintext TCP connections.
type Dialer struct {
	opts    TCPOptions
	timeout time.Duration
}

// NewDialer creates a Dialer.
func NewDialer(opts TCPOptions) *Dialer {
	return &Dialer{opts: opts, timeout: DefaultDialTimeout}
}

// DialContext connects to addr. With PreferIPv4 an IPv4 connect is tried
// first and any other address family second.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := net.Dialer{
		Timeout: d.timeout,
		Control: func(network, address string, c syscall.RawConn) error {
			return controlDialer(c, d.opts)
		},
	}
	if !d.opts.KeepAlive {
		nd.KeepAlive = -1
	}

	var (
		conn net.Conn
		err  error
	)
	if d.opts.PreferIPv4 && network == "tcp" {
		conn, err = nd.DialContext(ctx, "tcp4", addr)
		if err != nil && ctx.Err() == nil {
			conn, err = nd.DialContext(ctx, network, addr)
		}
	} else {
		conn, err = nd.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}

	TuneConn(conn, d.opts)
	return conn, nil
}

// TuneConn applies per-connection options to accepted or dialed sockets.
func TuneConn(conn net.Conn, opts TCPOptions) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(opts.NoDelay)
	}
}

// ResolveUDP resolves addr to a UDP socket address, honouring PreferIPv4.
func ResolveUDP(ctx context.Context, host string, port uint16, preferIPv4 bool) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), port), nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", host)
	}

	pick := ips[0]
	if preferIPv4 {
		for _, ip := range ips {
			if ip.Unmap().Is4() {
				pick = ip
				break
			}
		}
	}
	return netip.AddrPortFrom(pick.Unmap(), port), nil
}
