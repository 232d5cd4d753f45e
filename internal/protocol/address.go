package protocol

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/net/idna"
)

// Address is a destination as carried on the wire.
type Address struct {
	Type uint8
	Host string
	Port uint16
}

// NewAddress builds an Address from a host and port. IP literals become
// IPv4 or IPv6 addresses; anything else is a domain normalised to its ASCII
// (punycode) form.
func NewAddress(host string, port uint16) (Address, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Address{}, fmt.Errorf("%w: empty host", ErrMalformed)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return AddressFromAddrPort(netip.AddrPortFrom(ip, port)), nil
	}

	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Lookup rejects some names resolvers accept (underscores). Keep
		// plain ASCII names as they are.
		if !isASCII(host) {
			return Address{}, fmt.Errorf("%w: invalid domain %q: %v", ErrMalformed, host, err)
		}
		name = strings.ToLower(host)
	}
	if len(name) == 0 || len(name) > MaxDomainLen {
		return Address{}, fmt.Errorf("%w: domain length %d out of range", ErrMalformed, len(name))
	}

	return Address{Type: AddrTypeDomain, Host: name, Port: port}, nil
}

// ParseAddress parses a "host:port" string.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid port %q", ErrMalformed, portStr)
	}
	return NewAddress(host, uint16(port))
}

// AddressFromAddrPort converts a socket address. IPv4-mapped IPv6 addresses
// are encoded as IPv4.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return Address{Type: AddrTypeIPv4, Host: ip.String(), Port: ap.Port()}
	}
	return Address{Type: AddrTypeIPv6, Host: ip.WithZone("").String(), Port: ap.Port()}
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// AddrPort returns the address as a socket address. It reports false for
// domain addresses, which have to be resolved first.
func (a Address) AddrPort() (netip.AddrPort, bool) {
	if a.Type == AddrTypeDomain {
		return netip.AddrPort{}, false
	}
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, a.Port), true
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AppendAddress appends the ATYP ADDR PORT encoding of a to dst. The same
// layout is used by SOCKS5.
func AppendAddress(dst []byte, a Address) ([]byte, error) {
	b := cryptobyte.NewBuilder(dst)
	if err := addAddress(b, a); err != nil {
		return nil, err
	}
	return b.Bytes()
}

// ParseAddressBytes decodes an ATYP ADDR PORT prefix of b and returns the
// number of bytes consumed.
func ParseAddressBytes(b []byte) (Address, int, error) {
	s := cryptobyte.String(b)
	a, err := readAddress(&s)
	if err != nil {
		return Address{}, 0, err
	}
	return a, len(b) - len(s), nil
}

// ReadAddress reads one ATYP ADDR PORT encoding from r.
func ReadAddress(r io.Reader) (Address, error) {
	var buf [1 + 1 + MaxDomainLen + 2]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Address{}, err
	}

	var n int
	switch buf[0] {
	case AddrTypeIPv4:
		n = 1 + 4 + 2
	case AddrTypeIPv6:
		n = 1 + 16 + 2
	case AddrTypeDomain:
		if _, err := io.ReadFull(r, buf[1:2]); err != nil {
			return Address{}, err
		}
		n = 2 + int(buf[1]) + 2
	default:
		return Address{}, fmt.Errorf("%w: unknown address type %d", ErrMalformed, buf[0])
	}

	start := 1
	if buf[0] == AddrTypeDomain {
		start = 2
	}
	if _, err := io.ReadFull(r, buf[start:n]); err != nil {
		return Address{}, err
	}

	a, _, err := ParseAddressBytes(buf[:n])
	return a, err
}

func addAddress(b *cryptobyte.Builder, a Address) error {
	switch a.Type {
	case AddrTypeIPv4:
		ip, err := netip.ParseAddr(a.Host)
		if err != nil || !ip.Unmap().Is4() {
			return fmt.Errorf("%w: invalid IPv4 address %q", ErrMalformed, a.Host)
		}
		raw := ip.Unmap().As4()
		b.AddUint8(AddrTypeIPv4)
		b.AddBytes(raw[:])
	case AddrTypeIPv6:
		ip, err := netip.ParseAddr(a.Host)
		if err != nil || !ip.Is6() {
			return fmt.Errorf("%w: invalid IPv6 address %q", ErrMalformed, a.Host)
		}
		raw := ip.As16()
		b.AddUint8(AddrTypeIPv6)
		b.AddBytes(raw[:])
	case AddrTypeDomain:
		if len(a.Host) == 0 || len(a.Host) > MaxDomainLen {
			return fmt.Errorf("%w: domain length %d out of range", ErrMalformed, len(a.Host))
		}
		b.AddUint8(AddrTypeDomain)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(a.Host))
		})
	default:
		return fmt.Errorf("%w: unknown address type %d", ErrMalformed, a.Type)
	}
	b.AddUint16(a.Port)
	return nil
}

func readAddress(s *cryptobyte.String) (Address, error) {
	var atyp uint8
	if !s.ReadUint8(&atyp) {
		return Address{}, ErrNeedMore
	}

	var a Address
	a.Type = atyp
	switch atyp {
	case AddrTypeIPv4:
		var raw []byte
		if !s.ReadBytes(&raw, 4) {
			return Address{}, ErrNeedMore
		}
		a.Host = netip.AddrFrom4([4]byte(raw)).String()
	case AddrTypeIPv6:
		var raw []byte
		if !s.ReadBytes(&raw, 16) {
			return Address{}, ErrNeedMore
		}
		a.Host = netip.AddrFrom16([16]byte(raw)).String()
	case AddrTypeDomain:
		if len(*s) > 0 && (*s)[0] == 0 {
			return Address{}, fmt.Errorf("%w: empty domain", ErrMalformed)
		}
		var name cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&name) {
			return Address{}, ErrNeedMore
		}
		a.Host = string(name)
	default:
		return Address{}, fmt.Errorf("%w: unknown address type %d", ErrMalformed, atyp)
	}

	if !s.ReadUint16(&a.Port) {
		return Address{}, ErrNeedMore
	}
	return a, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
