package socks5

import (
	"errors"
	"fmt"

	"github.com/postalsys/trojan-relay/internal/protocol"
)

// ErrFragmentedDatagram is returned for datagrams with a non-zero FRAG field.
// Fragmentation is not supported.
var ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

// Datagram is a UDP request as sent to the relay socket.
type Datagram struct {
	Address protocol.Address
	Data    []byte
}

// ParseDatagram decodes a UDP request. Data aliases b.
func ParseDatagram(b []byte) (Datagram, error) {
	// +----+------+------+----------+----------+----------+
	// |RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
	// +----+------+------+----------+----------+----------+
	// | 2  |  1   |  1   | Variable |    2     | Variable |
	// +----+------+------+----------+----------+----------+
	if len(b) < 4 {
		return Datagram{}, fmt.Errorf("%w: datagram too short", protocol.ErrMalformed)
	}
	if b[2] != 0 {
		return Datagram{}, ErrFragmentedDatagram
	}

	addr, n, err := protocol.ParseAddressBytes(b[3:])
	if err != nil {
		if errors.Is(err, protocol.ErrNeedMore) {
			return Datagram{}, fmt.Errorf("%w: truncated address", protocol.ErrMalformed)
		}
		return Datagram{}, err
	}

	return Datagram{Address: addr, Data: b[3+n:]}, nil
}

// AppendDatagram appends the UDP request encoding of d to dst.
func AppendDatagram(dst []byte, d Datagram) ([]byte, error) {
	dst = append(dst, 0, 0, 0)
	out, err := protocol.AppendAddress(dst, d.Address)
	if err != nil {
		return nil, err
	}
	return append(out, d.Data...), nil
}
