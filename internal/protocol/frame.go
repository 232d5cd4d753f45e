package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

var crlf = []byte{'\r', '\n'}

// Header is the tunnel request sent as the first bytes of every tunnel.
type Header struct {
	Digest  string
	Command uint8
	Address Address
}

// ParseHeader decodes a tunnel header from the start of b. It returns the
// header and the number of bytes it occupied; b[n:] is payload belonging to
// the relayed stream.
func ParseHeader(b []byte) (Header, int, error) {
	s := cryptobyte.String(b)

	for i := 0; i < len(s) && i < DigestLen; i++ {
		if !isHexDigit(s[i]) {
			return Header{}, 0, fmt.Errorf("%w: non-hex digest byte at offset %d", ErrMalformed, i)
		}
	}
	var digest []byte
	if !s.ReadBytes(&digest, DigestLen) {
		return Header{}, 0, ErrNeedMore
	}
	if err := readCRLF(&s); err != nil {
		return Header{}, 0, err
	}

	h := Header{Digest: string(digest)}
	if !s.ReadUint8(&h.Command) {
		return Header{}, 0, ErrNeedMore
	}
	if h.Command != CmdConnect && h.Command != CmdUDPAssociate {
		return Header{}, 0, fmt.Errorf("%w: unknown command %d", ErrMalformed, h.Command)
	}

	addr, err := readAddress(&s)
	if err != nil {
		return Header{}, 0, err
	}
	h.Address = addr

	if err := readCRLF(&s); err != nil {
		return Header{}, 0, err
	}

	return h, len(b) - len(s), nil
}

// EncodeHeader serializes h.
func EncodeHeader(h Header) ([]byte, error) {
	return AppendHeader(make([]byte, 0, MaxHeaderSize), h)
}

// AppendHeader appends the encoding of h to dst.
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	if len(h.Digest) != DigestLen {
		return nil, fmt.Errorf("%w: digest must be %d characters, got %d", ErrMalformed, DigestLen, len(h.Digest))
	}
	for i := 0; i < len(h.Digest); i++ {
		if !isHexDigit(h.Digest[i]) {
			return nil, fmt.Errorf("%w: non-hex digest", ErrMalformed)
		}
	}
	if h.Command != CmdConnect && h.Command != CmdUDPAssociate {
		return nil, fmt.Errorf("%w: unknown command %d", ErrMalformed, h.Command)
	}

	b := cryptobyte.NewBuilder(dst)
	b.AddBytes([]byte(h.Digest))
	b.AddBytes(crlf)
	b.AddUint8(h.Command)
	if err := addAddress(b, h.Address); err != nil {
		return nil, err
	}
	b.AddBytes(crlf)
	return b.Bytes()
}

// ReadHeader reads from r until a complete header is available. It returns
// the header and any bytes read past it. On a decode error the returned slice
// holds every byte read so far, so the caller can replay them elsewhere.
func ReadHeader(r io.Reader) (Header, []byte, error) {
	buf := make([]byte, 8192)
	n := 0
	for {
		m, err := r.Read(buf[n:])
		n += m
		if m > 0 {
			h, consumed, perr := ParseHeader(buf[:n])
			if perr == nil {
				return h, buf[consumed:n], nil
			}
			if !errors.Is(perr, ErrNeedMore) {
				return Header{}, buf[:n], perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return Header{}, buf[:n], err
		}
		if n == len(buf) {
			return Header{}, buf[:n], fmt.Errorf("%w: header too long", ErrMalformed)
		}
	}
}

// Packet is one UDP datagram carried inside an associated tunnel. Address is
// the destination on the way out and the source on the way back.
type Packet struct {
	Address Address
	Payload []byte
}

// ParsePacket decodes one frame from the start of b and returns it with the
// bytes that follow it. The payload aliases b.
func ParsePacket(b []byte) (Packet, []byte, error) {
	s := cryptobyte.String(b)

	addr, err := readAddress(&s)
	if err != nil {
		return Packet{}, nil, err
	}

	var length uint16
	if !s.ReadUint16(&length) {
		return Packet{}, nil, ErrNeedMore
	}
	if err := readCRLF(&s); err != nil {
		return Packet{}, nil, err
	}

	var payload []byte
	if !s.ReadBytes(&payload, int(length)) {
		return Packet{}, nil, ErrNeedMore
	}

	return Packet{Address: addr, Payload: payload}, []byte(s), nil
}

// EncodePacket serializes p.
func EncodePacket(p Packet) ([]byte, error) {
	return AppendPacket(make([]byte, 0, len(p.Payload)+MaxPacketSize-MaxPayloadSize), p)
}

// AppendPacket appends the encoding of p to dst.
func AppendPacket(dst []byte, p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	b := cryptobyte.NewBuilder(dst)
	if err := addAddress(b, p.Address); err != nil {
		return nil, err
	}
	b.AddUint16(uint16(len(p.Payload)))
	b.AddBytes(crlf)
	b.AddBytes(p.Payload)
	return b.Bytes()
}

// PacketReader reads frames from a byte stream, buffering partial input.
type PacketReader struct {
	r          io.Reader
	buf        []byte
	start, end int
	err        error
}

// NewPacketReader creates a new PacketReader. Bytes in initial are decoded
// before anything is read from r.
func NewPacketReader(r io.Reader, initial []byte) *PacketReader {
	pr := &PacketReader{r: r, buf: make([]byte, MaxPacketSize+len(initial))}
	pr.end = copy(pr.buf, initial)
	return pr
}

// ReadPacket returns the next frame. The payload is a fresh copy.
func (pr *PacketReader) ReadPacket() (Packet, error) {
	for {
		if pr.end > pr.start {
			p, rest, err := ParsePacket(pr.buf[pr.start:pr.end])
			if err == nil {
				pr.start = pr.end - len(rest)
				p.Payload = bytes.Clone(p.Payload)
				if p.Payload == nil {
					p.Payload = []byte{}
				}
				return p, nil
			}
			if !errors.Is(err, ErrNeedMore) {
				return Packet{}, err
			}
		}

		if pr.err != nil {
			if errors.Is(pr.err, io.EOF) && pr.end > pr.start {
				return Packet{}, io.ErrUnexpectedEOF
			}
			return Packet{}, pr.err
		}

		if pr.start > 0 {
			pr.end = copy(pr.buf, pr.buf[pr.start:pr.end])
			pr.start = 0
		}

		n, err := pr.r.Read(pr.buf[pr.end:])
		pr.end += n
		pr.err = err
	}
}

// WritePacket encodes p and writes it to w in a single Write.
func WritePacket(w io.Writer, p Packet) error {
	data, err := EncodePacket(p)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readCRLF(s *cryptobyte.String) error {
	for i := 0; i < len(crlf); i++ {
		if len(*s) <= i {
			return ErrNeedMore
		}
		if (*s)[i] != crlf[i] {
			return fmt.Errorf("%w: expected CRLF", ErrMalformed)
		}
	}
	s.Skip(len(crlf))
	return nil
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
