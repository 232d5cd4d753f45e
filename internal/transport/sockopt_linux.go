//go:build linux

package transport

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

func controlListener(c syscall.RawConn, opts TCPOptions) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if opts.ReusePort {
			if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); serr != nil {
				serr = fmt.Errorf("SO_REUSEPORT: %w", serr)
				return
			}
		}
		if opts.FastOpen {
			if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, opts.FastOpenQlen); serr != nil {
				serr = fmt.Errorf("TCP_FASTOPEN: %w", serr)
			}
		}
	})
	if err != nil {
		return err
	}
	return serr
}

func controlPacket(c syscall.RawConn, opts TCPOptions) error {
	if !opts.ReusePort {
		return nil
	}
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func controlDialer(c syscall.RawConn, opts TCPOptions) error {
	if !opts.FastOpen {
		return nil
	}
	return c.Control(func(fd uintptr) {
		// Older kernels lack TCP_FASTOPEN_CONNECT; a normal connect still works.
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1)
	})
}

// OriginalDst returns the destination a REDIRECT or TPROXY rule rewrote
// conn away from.
func OriginalDst(conn net.Conn) (netip.AddrPort, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("original destination needs a TCP connection, got %T", conn)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, err
	}

	local, _ := netip.ParseAddrPort(conn.LocalAddr().String())
	v6 := local.Addr().Is6() && !local.Addr().Is4In6()

	var (
		dst  netip.AddrPort
		serr error
	)
	err = raw.Control(func(fd uintptr) {
		if v6 {
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, unix.SO_ORIGINAL_DST)
			if err != nil {
				serr = err
				return
			}
			dst = netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr), ntohs(info.Addr.Port))
			return
		}

		// struct sockaddr_in fits in the 20 bytes of an ip_mreqn.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			serr = err
			return
		}
		raw := mreq.Multiaddr
		port := uint16(raw[2])<<8 | uint16(raw[3])
		dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]}), port)
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if serr != nil {
		return netip.AddrPort{}, fmt.Errorf("SO_ORIGINAL_DST: %w", serr)
	}
	return dst, nil
}

// ntohs converts a port stored in network byte order.
func ntohs(port uint16) uint16 {
	b := (*[2]byte)(unsafe.Pointer(&port))
	return uint16(b[0])<<8 | uint16(b[1])
}
