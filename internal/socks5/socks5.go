// Package socks5 implements the server side of RFC 1928 needed by client
// mode: no-auth method negotiation, CONNECT and UDP ASSOCIATE requests,
// replies, and the UDP request header.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/postalsys/trojan-relay/internal/protocol"
)

// Version is the SOCKS protocol version byte.
const Version = 0x05

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Authentication methods.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodNoAcceptable = 0xFF
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

var (
	// ErrVersion is returned when the peer does not speak SOCKS5.
	ErrVersion = errors.New("unsupported SOCKS version")

	// ErrNoAcceptableMethod is returned when the client does not offer the
	// no-auth method.
	ErrNoAcceptableMethod = errors.New("no acceptable authentication method")
)

// Request is a parsed SOCKS5 request. The destination uses the same address
// encoding as the tunnel header.
type Request struct {
	Command byte
	Address protocol.Address
}

// Negotiate performs method selection. Only no-auth is offered; a client
// that does not list it is told so and the error is returned.
func Negotiate(rw io.ReadWriter) error {
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	var header [2]byte
	if _, err := io.ReadFull(rw, header[:]); err != nil {
		return err
	}
	if header[0] != Version {
		return fmt.Errorf("%w: %d", ErrVersion, header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return err
	}

	for _, m := range methods {
		if m == AuthMethodNoAuth {
			_, err := rw.Write([]byte{Version, AuthMethodNoAuth})
			return err
		}
	}

	rw.Write([]byte{Version, AuthMethodNoAcceptable})
	return ErrNoAcceptableMethod
}

// ReadRequest reads a request. For an unknown address type the matching
// reply is written before the error is returned.
func ReadRequest(rw io.ReadWriter) (Request, error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	var header [3]byte
	if _, err := io.ReadFull(rw, header[:]); err != nil {
		return Request{}, err
	}
	if header[0] != Version {
		return Request{}, fmt.Errorf("%w: %d", ErrVersion, header[0])
	}

	addr, err := protocol.ReadAddress(rw)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			WriteReply(rw, ReplyAddrNotSupported, netip.AddrPort{})
		}
		return Request{}, fmt.Errorf("read destination: %w", err)
	}

	return Request{Command: header[1], Address: addr}, nil
}

// WriteReply writes a reply carrying bind. An invalid bind is sent as
// 0.0.0.0:0.
func WriteReply(w io.Writer, reply byte, bind netip.AddrPort) error {
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	if !bind.IsValid() {
		bind = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}

	buf, err := protocol.AppendAddress([]byte{Version, reply, 0x00}, protocol.AddressFromAddrPort(bind))
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReplyForError maps a dial error to the closest reply code.
func ReplyForError(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReplyTTLExpired
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ReplyHostUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ReplyHostUnreachable
	}
	return ReplyServerFailure
}
