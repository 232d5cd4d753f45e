// Package protocol implements the trojan tunnel wire format: the request
// header that opens every tunnel and the address-tagged frames that carry UDP
// datagrams inside an associated tunnel.
package protocol

import "errors"

// Command codes carried in the tunnel header.
const (
	CmdConnect      uint8 = 0x01 // Relay a TCP stream
	CmdUDPAssociate uint8 = 0x03 // Relay UDP frames
)

// Address type constants
const (
	AddrTypeIPv4   uint8 = 0x01 // 4 bytes
	AddrTypeDomain uint8 = 0x03 // 1-byte length + name
	AddrTypeIPv6   uint8 = 0x04 // 16 bytes
)

// Protocol constants
const (
	// DigestLen is the width of the hex encoded SHA-224 credential digest.
	DigestLen = 56

	// MaxDomainLen is the longest name a 1-byte length prefix can carry.
	MaxDomainLen = 255

	// MaxPayloadSize is the largest UDP payload a frame can carry.
	MaxPayloadSize = 65535

	// MaxHeaderSize is the longest possible tunnel header.
	MaxHeaderSize = DigestLen + 2 + 1 + 1 + 1 + MaxDomainLen + 2 + 2

	// MaxPacketSize is the longest possible UDP frame.
	MaxPacketSize = 1 + 1 + MaxDomainLen + 2 + 2 + 2 + MaxPayloadSize
)

var (
	// ErrNeedMore is returned when the input is a valid prefix that ends
	// before the structure is complete. Callers keep reading.
	ErrNeedMore = errors.New("need more data")

	// ErrMalformed is returned (wrapped) when the input can never become a
	// valid structure no matter how many bytes follow.
	ErrMalformed = errors.New("malformed input")

	// ErrPayloadTooLarge is returned when encoding a frame whose payload does
	// not fit the 2-byte length field.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// CommandName returns a human-readable name for a command code.
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdConnect:
		return "CONNECT"
	case CmdUDPAssociate:
		return "UDP_ASSOCIATE"
	default:
		return "UNKNOWN"
	}
}

// AddrTypeName returns a human-readable name for an address type.
func AddrTypeName(t uint8) string {
	switch t {
	case AddrTypeIPv4:
		return "IPv4"
	case AddrTypeDomain:
		return "DOMAIN"
	case AddrTypeIPv6:
		return "IPv6"
	default:
		return "UNKNOWN"
	}
}
