//go:build !linux

package transport

import (
	"net"
	"net/netip"
	"syscall"
)

func controlListener(c syscall.RawConn, opts TCPOptions) error {
	return nil
}

func controlPacket(c syscall.RawConn, opts TCPOptions) error {
	return nil
}

func controlDialer(c syscall.RawConn, opts TCPOptions) error {
	return nil
}

// OriginalDst is only available on Linux.
func OriginalDst(conn net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrOriginalDstUnsupported
}
