package protocol

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"testing"
	"testing/iotest"
)

var testDigest = fmt.Sprintf("%x", sha256.Sum224([]byte("password")))

func TestCommandName(t *testing.T) {
	tests := []struct {
		cmd  uint8
		want string
	}{
		{CmdConnect, "CONNECT"},
		{CmdUDPAssociate, "UDP_ASSOCIATE"},
		{0x02, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := CommandName(tt.cmd); got != tt.want {
			t.Errorf("CommandName(%d) = %s, want %s", tt.cmd, got, tt.want)
		}
	}
}

func TestAddrTypeName(t *testing.T) {
	tests := []struct {
		atyp uint8
		want string
	}{
		{AddrTypeIPv4, "IPv4"},
		{AddrTypeDomain, "DOMAIN"},
		{AddrTypeIPv6, "IPv6"},
		{0x02, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := AddrTypeName(tt.atyp); got != tt.want {
			t.Errorf("AddrTypeName(%d) = %s, want %s", tt.atyp, got, tt.want)
		}
	}
}

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		wantType uint8
		wantHost string
		wantErr  bool
	}{
		{"ipv4", "192.0.2.1", AddrTypeIPv4, "192.0.2.1", false},
		{"ipv6", "2001:db8::1", AddrTypeIPv6, "2001:db8::1", false},
		{"bracketed ipv6", "[::1]", AddrTypeIPv6, "::1", false},
		{"mapped ipv4", "::ffff:192.0.2.1", AddrTypeIPv4, "192.0.2.1", false},
		{"domain", "example.com", AddrTypeDomain, "example.com", false},
		{"uppercase domain", "EXAMPLE.com", AddrTypeDomain, "example.com", false},
		{"unicode domain", "Bücher.example", AddrTypeDomain, "xn--bcher-kva.example", false},
		{"underscore domain", "_srv.example.com", AddrTypeDomain, "_srv.example.com", false},
		{"empty", "", 0, "", true},
		{"too long", strings.Repeat("a", 63) + "." + strings.Repeat("b", 63) + "." + strings.Repeat("c", 63) + "." + strings.Repeat("d", 63) + ".com", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddress(tt.host, 443)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewAddress(%q) should fail, got %+v", tt.host, addr)
				}
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAddress(%q) error = %v", tt.host, err)
			}
			if addr.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", AddrTypeName(addr.Type), AddrTypeName(tt.wantType))
			}
			if addr.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", addr.Host, tt.wantHost)
			}
			if addr.Port != 443 {
				t.Errorf("Port = %d, want 443", addr.Port)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("[2001:db8::1]:8443")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if addr.Type != AddrTypeIPv6 || addr.Port != 8443 {
		t.Errorf("got %+v", addr)
	}
	if got := addr.String(); got != "[2001:db8::1]:8443" {
		t.Errorf("String() = %s, want [2001:db8::1]:8443", got)
	}

	for _, bad := range []string{"example.com", "example.com:http", "example.com:70000"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("ParseAddress(%q) should fail", bad)
		}
	}
}

func TestAddress_AddrPort(t *testing.T) {
	addr := AddressFromAddrPort(netip.MustParseAddrPort("[::ffff:10.0.0.1]:53"))
	if addr.Type != AddrTypeIPv4 {
		t.Fatalf("Type = %s, want IPv4", AddrTypeName(addr.Type))
	}

	ap, ok := addr.AddrPort()
	if !ok {
		t.Fatal("AddrPort() not ok for IPv4 address")
	}
	if ap != netip.MustParseAddrPort("10.0.0.1:53") {
		t.Errorf("AddrPort() = %s", ap)
	}

	domain := Address{Type: AddrTypeDomain, Host: "example.com", Port: 53}
	if _, ok := domain.AddrPort(); ok {
		t.Error("AddrPort() should not be ok for a domain")
	}
	if !(Address{}).IsZero() || domain.IsZero() {
		t.Error("IsZero() mismatch")
	}
}

func TestHeader_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{
			name: "connect ipv4",
			header: Header{
				Digest:  testDigest,
				Command: CmdConnect,
				Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.10", Port: 80},
			},
		},
		{
			name: "connect ipv6",
			header: Header{
				Digest:  testDigest,
				Command: CmdConnect,
				Address: Address{Type: AddrTypeIPv6, Host: "2001:db8::10", Port: 443},
			},
		},
		{
			name: "connect domain",
			header: Header{
				Digest:  testDigest,
				Command: CmdConnect,
				Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 80},
			},
		},
		{
			name: "udp associate",
			header: Header{
				Digest:  testDigest,
				Command: CmdUDPAssociate,
				Address: Address{Type: AddrTypeIPv4, Host: "0.0.0.0", Port: 0},
			},
		},
		{
			name: "longest domain",
			header: Header{
				Digest:  testDigest,
				Command: CmdConnect,
				Address: Address{Type: AddrTypeDomain, Host: strings.Repeat("x", MaxDomainLen), Port: 65535},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeHeader(tt.header)
			if err != nil {
				t.Fatalf("EncodeHeader() error = %v", err)
			}
			if len(data) > MaxHeaderSize {
				t.Errorf("encoded length %d exceeds MaxHeaderSize", len(data))
			}

			decoded, n, err := ParseHeader(data)
			if err != nil {
				t.Fatalf("ParseHeader() error = %v", err)
			}
			if n != len(data) {
				t.Errorf("consumed %d bytes, want %d", n, len(data))
			}
			if decoded != tt.header {
				t.Errorf("decoded = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestEncodeHeader_WireLayout(t *testing.T) {
	h := Header{
		Digest:  testDigest,
		Command: CmdConnect,
		Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 80},
	}

	data, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("EncodeHeader() error = %v", err)
	}

	var want bytes.Buffer
	want.WriteString(testDigest)
	want.WriteString("\r\n")
	want.Write([]byte{0x01, 0x03, 11})
	want.WriteString("example.com")
	want.Write([]byte{0x00, 0x50})
	want.WriteString("\r\n")

	if !bytes.Equal(data, want.Bytes()) {
		t.Errorf("EncodeHeader() = %q, want %q", data, want.Bytes())
	}
}

func TestParseHeader_TrailingPayload(t *testing.T) {
	h := Header{
		Digest:  testDigest,
		Command: CmdConnect,
		Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 80},
	}
	payload := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	data, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("EncodeHeader() error = %v", err)
	}
	data = append(data, payload...)

	decoded, n, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if decoded != h {
		t.Errorf("decoded = %+v, want %+v", decoded, h)
	}
	if !bytes.Equal(data[n:], payload) {
		t.Errorf("trailing bytes = %q, want %q", data[n:], payload)
	}
}

func TestParseHeader_NeedMore(t *testing.T) {
	headers := []Header{
		{Digest: testDigest, Command: CmdConnect, Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1", Port: 80}},
		{Digest: testDigest, Command: CmdConnect, Address: Address{Type: AddrTypeIPv6, Host: "2001:db8::1", Port: 80}},
		{Digest: testDigest, Command: CmdUDPAssociate, Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 53}},
	}

	for _, h := range headers {
		data, err := EncodeHeader(h)
		if err != nil {
			t.Fatalf("EncodeHeader() error = %v", err)
		}
		for i := 0; i < len(data); i++ {
			_, _, err := ParseHeader(data[:i])
			if !errors.Is(err, ErrNeedMore) {
				t.Fatalf("%s prefix of %d bytes: error = %v, want ErrNeedMore", AddrTypeName(h.Address.Type), i, err)
			}
		}
	}
}

func TestParseHeader_Malformed(t *testing.T) {
	valid, err := EncodeHeader(Header{
		Digest:  testDigest,
		Command: CmdConnect,
		Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1", Port: 80},
	})
	if err != nil {
		t.Fatalf("EncodeHeader() error = %v", err)
	}

	mutate := func(offset int, b byte) []byte {
		out := bytes.Clone(valid)
		out[offset] = b
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"http request", []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")},
		{"non-hex digest", mutate(10, 'z')},
		{"missing CR after digest", mutate(DigestLen, 'x')},
		{"missing LF after digest", mutate(DigestLen+1, 'x')},
		{"unknown command", mutate(DigestLen+2, 0x02)},
		{"unknown address type", mutate(DigestLen+3, 0x02)},
		{"missing trailing CRLF", mutate(len(valid)-2, 'x')},
		{"empty domain", append([]byte(testDigest+"\r\n"), 0x01, 0x03, 0x00, 0x00, 0x50, '\r', '\n')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseHeader(tt.data)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseHeader() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEncodeHeader_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{"short digest", Header{Digest: "abc", Command: CmdConnect, Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1"}}},
		{"non-hex digest", Header{Digest: strings.Repeat("g", DigestLen), Command: CmdConnect, Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1"}}},
		{"bad command", Header{Digest: testDigest, Command: 0x02, Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1"}}},
		{"ipv6 as ipv4", Header{Digest: testDigest, Command: CmdConnect, Address: Address{Type: AddrTypeIPv4, Host: "2001:db8::1"}}},
		{"bad ipv6", Header{Digest: testDigest, Command: CmdConnect, Address: Address{Type: AddrTypeIPv6, Host: "example.com"}}},
		{"long domain", Header{Digest: testDigest, Command: CmdConnect, Address: Address{Type: AddrTypeDomain, Host: strings.Repeat("x", MaxDomainLen+1)}}},
		{"unknown type", Header{Digest: testDigest, Command: CmdConnect, Address: Address{Type: 0x09, Host: "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeHeader(tt.header); !errors.Is(err, ErrMalformed) {
				t.Errorf("EncodeHeader() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestReadHeader(t *testing.T) {
	h := Header{
		Digest:  testDigest,
		Command: CmdConnect,
		Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 80},
	}
	data, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("EncodeHeader() error = %v", err)
	}
	payload := []byte("hello")

	t.Run("single read", func(t *testing.T) {
		got, rest, err := ReadHeader(bytes.NewReader(append(bytes.Clone(data), payload...)))
		if err != nil {
			t.Fatalf("ReadHeader() error = %v", err)
		}
		if got != h {
			t.Errorf("header = %+v, want %+v", got, h)
		}
		if !bytes.Equal(rest, payload) {
			t.Errorf("rest = %q, want %q", rest, payload)
		}
	})

	t.Run("one byte at a time", func(t *testing.T) {
		r := iotest.OneByteReader(bytes.NewReader(append(bytes.Clone(data), payload...)))
		got, rest, err := ReadHeader(r)
		if err != nil {
			t.Fatalf("ReadHeader() error = %v", err)
		}
		if got != h {
			t.Errorf("header = %+v, want %+v", got, h)
		}
		remaining, _ := io.ReadAll(r)
		if !bytes.Equal(append(rest, remaining...), payload) {
			t.Errorf("payload = %q, want %q", append(rest, remaining...), payload)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		_, rest, err := ReadHeader(bytes.NewReader(data[:20]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("error = %v, want io.ErrUnexpectedEOF", err)
		}
		if !bytes.Equal(rest, data[:20]) {
			t.Errorf("rest = %q, want the bytes read", rest)
		}
	})

	t.Run("malformed keeps raw bytes", func(t *testing.T) {
		probe := []byte("GET / HTTP/1.1\r\n\r\n")
		_, rest, err := ReadHeader(bytes.NewReader(probe))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("error = %v, want ErrMalformed", err)
		}
		if !bytes.Equal(rest, probe) {
			t.Errorf("rest = %q, want %q", rest, probe)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, _, err := ReadHeader(bytes.NewReader(nil)); err != io.EOF {
			t.Errorf("error = %v, want io.EOF", err)
		}
	})
}

func TestPacket_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 512, MaxPayloadSize}
	addrs := []Address{
		{Type: AddrTypeIPv4, Host: "192.0.2.53", Port: 53},
		{Type: AddrTypeIPv6, Host: "2001:db8::53", Port: 53},
		{Type: AddrTypeDomain, Host: "dns.example", Port: 53},
	}

	for _, addr := range addrs {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", AddrTypeName(addr.Type), size), func(t *testing.T) {
				payload := bytes.Repeat([]byte{0xAB}, size)
				p := Packet{Address: addr, Payload: payload}

				data, err := EncodePacket(p)
				if err != nil {
					t.Fatalf("EncodePacket() error = %v", err)
				}

				decoded, rest, err := ParsePacket(data)
				if err != nil {
					t.Fatalf("ParsePacket() error = %v", err)
				}
				if len(rest) != 0 {
					t.Errorf("rest has %d bytes, want 0", len(rest))
				}
				if decoded.Address != addr {
					t.Errorf("Address = %+v, want %+v", decoded.Address, addr)
				}
				if !bytes.Equal(decoded.Payload, payload) {
					t.Errorf("payload mismatch: got %d bytes, want %d", len(decoded.Payload), size)
				}
			})
		}
	}
}

func TestEncodePacket_WireLayout(t *testing.T) {
	data, err := EncodePacket(Packet{
		Address: Address{Type: AddrTypeIPv4, Host: "8.8.8.8", Port: 53},
		Payload: []byte("abc"),
	})
	if err != nil {
		t.Fatalf("EncodePacket() error = %v", err)
	}

	want := []byte{0x01, 8, 8, 8, 8, 0x00, 0x35, 0x00, 0x03, '\r', '\n', 'a', 'b', 'c'}
	if !bytes.Equal(data, want) {
		t.Errorf("EncodePacket() = %v, want %v", data, want)
	}
}

func TestEncodePacket_TooLarge(t *testing.T) {
	_, err := EncodePacket(Packet{
		Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1", Port: 53},
		Payload: make([]byte, MaxPayloadSize+1),
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodePacket() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestParsePacket_BackToBack(t *testing.T) {
	first, _ := EncodePacket(Packet{Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1", Port: 1}, Payload: []byte("one")})
	second, _ := EncodePacket(Packet{Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 2}, Payload: []byte("two")})
	stream := append(bytes.Clone(first), second...)

	p1, rest, err := ParsePacket(stream)
	if err != nil {
		t.Fatalf("first ParsePacket() error = %v", err)
	}
	if string(p1.Payload) != "one" {
		t.Errorf("first payload = %q", p1.Payload)
	}

	p2, rest, err := ParsePacket(rest)
	if err != nil {
		t.Fatalf("second ParsePacket() error = %v", err)
	}
	if string(p2.Payload) != "two" || p2.Address.Host != "example.com" {
		t.Errorf("second packet = %+v", p2)
	}
	if len(rest) != 0 {
		t.Errorf("rest has %d bytes, want 0", len(rest))
	}
}

func TestParsePacket_NeedMoreAndMalformed(t *testing.T) {
	data, _ := EncodePacket(Packet{Address: Address{Type: AddrTypeDomain, Host: "example.com", Port: 53}, Payload: []byte("query")})

	for i := 0; i < len(data); i++ {
		if _, _, err := ParsePacket(data[:i]); !errors.Is(err, ErrNeedMore) {
			t.Fatalf("prefix of %d bytes: error = %v, want ErrNeedMore", i, err)
		}
	}

	badType := bytes.Clone(data)
	badType[0] = 0x05
	if _, _, err := ParsePacket(badType); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown type: error = %v, want ErrMalformed", err)
	}

	badCRLF := bytes.Clone(data)
	badCRLF[1+1+len("example.com")+2+2] = 'x'
	if _, _, err := ParsePacket(badCRLF); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad CRLF: error = %v, want ErrMalformed", err)
	}
}

func TestPacketReader(t *testing.T) {
	packets := []Packet{
		{Address: Address{Type: AddrTypeIPv4, Host: "192.0.2.1", Port: 53}, Payload: []byte("first")},
		{Address: Address{Type: AddrTypeIPv6, Host: "2001:db8::2", Port: 123}, Payload: []byte{}},
		{Address: Address{Type: AddrTypeDomain, Host: "example.org", Port: 443}, Payload: bytes.Repeat([]byte("x"), 4096)},
	}

	var stream bytes.Buffer
	for _, p := range packets {
		if err := WritePacket(&stream, p); err != nil {
			t.Fatalf("WritePacket() error = %v", err)
		}
	}
	raw := stream.Bytes()

	t.Run("one byte at a time", func(t *testing.T) {
		pr := NewPacketReader(iotest.OneByteReader(bytes.NewReader(raw)), nil)
		for i, want := range packets {
			got, err := pr.ReadPacket()
			if err != nil {
				t.Fatalf("packet %d: ReadPacket() error = %v", i, err)
			}
			if got.Address != want.Address || !bytes.Equal(got.Payload, want.Payload) {
				t.Errorf("packet %d = %+v, want %+v", i, got.Address, want.Address)
			}
		}
		if _, err := pr.ReadPacket(); err != io.EOF {
			t.Errorf("final ReadPacket() error = %v, want io.EOF", err)
		}
	})

	t.Run("initial bytes", func(t *testing.T) {
		split := 7
		pr := NewPacketReader(bytes.NewReader(raw[split:]), raw[:split])
		for i, want := range packets {
			got, err := pr.ReadPacket()
			if err != nil {
				t.Fatalf("packet %d: ReadPacket() error = %v", i, err)
			}
			if !bytes.Equal(got.Payload, want.Payload) {
				t.Errorf("packet %d payload mismatch", i)
			}
		}
	})

	t.Run("truncated", func(t *testing.T) {
		pr := NewPacketReader(bytes.NewReader(raw[:len(raw)-1]), nil)
		for i := 0; i < len(packets)-1; i++ {
			if _, err := pr.ReadPacket(); err != nil {
				t.Fatalf("packet %d: ReadPacket() error = %v", i, err)
			}
		}
		if _, err := pr.ReadPacket(); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadPacket() error = %v, want io.ErrUnexpectedEOF", err)
		}
	})

	t.Run("payload is not aliased", func(t *testing.T) {
		pr := NewPacketReader(bytes.NewReader(raw), nil)
		first, err := pr.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket() error = %v", err)
		}
		if _, err := pr.ReadPacket(); err != nil {
			t.Fatalf("ReadPacket() error = %v", err)
		}
		if string(first.Payload) != "first" {
			t.Errorf("first payload changed to %q", first.Payload)
		}
	})
}

func TestAddressCodec(t *testing.T) {
	addrs := []Address{
		{Type: AddrTypeIPv4, Host: "192.0.2.1", Port: 80},
		{Type: AddrTypeIPv6, Host: "2001:db8::1", Port: 443},
		{Type: AddrTypeDomain, Host: "example.com", Port: 53},
	}

	for _, a := range addrs {
		t.Run(AddrTypeName(a.Type), func(t *testing.T) {
			enc, err := AppendAddress([]byte{0xAA}, a)
			if err != nil {
				t.Fatalf("AppendAddress() error = %v", err)
			}
			if enc[0] != 0xAA {
				t.Fatal("AppendAddress() clobbered the prefix")
			}

			got, n, err := ParseAddressBytes(append(enc[1:], 0xFF))
			if err != nil {
				t.Fatalf("ParseAddressBytes() error = %v", err)
			}
			if n != len(enc)-1 {
				t.Errorf("consumed = %d, want %d", n, len(enc)-1)
			}
			if got != a {
				t.Errorf("ParseAddressBytes() = %+v, want %+v", got, a)
			}

			got, err = ReadAddress(iotest.OneByteReader(bytes.NewReader(enc[1:])))
			if err != nil {
				t.Fatalf("ReadAddress() error = %v", err)
			}
			if got != a {
				t.Errorf("ReadAddress() = %+v, want %+v", got, a)
			}
		})
	}
}

func TestReadAddress_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"unknown type", []byte{0x09, 1, 2}, ErrMalformed},
		{"empty domain", []byte{AddrTypeDomain, 0, 0, 80}, ErrMalformed},
		{"truncated ipv4", []byte{AddrTypeIPv4, 1, 2}, io.ErrUnexpectedEOF},
		{"nothing", nil, io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadAddress(bytes.NewReader(tt.in))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadAddress() error = %v, want %v", err, tt.want)
			}
		})
	}
}
