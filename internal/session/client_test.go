package session

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/socks5"
)

// socksDial connects to a SOCKS5 front end and completes method selection.
func socksDial(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	conn.Write([]byte{socks5.Version, 1, socks5.AuthMethodNoAuth})
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("method selection failed: %v", err)
	}
	if resp[1] != socks5.AuthMethodNoAuth {
		t.Fatalf("method = %#x, want no-auth", resp[1])
	}
	return conn
}

// socksRequest sends a request and returns the reply code and bind address.
func socksRequest(t *testing.T, conn net.Conn, cmd byte, target string) (byte, protocol.Address) {
	t.Helper()

	addr, err := protocol.ParseAddress(target)
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	req, _ := protocol.AppendAddress([]byte{socks5.Version, cmd, 0}, addr)
	conn.Write(req)

	head := make([]byte, 3)
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatalf("reading reply failed: %v", err)
	}
	bind, err := protocol.ReadAddress(conn)
	if err != nil {
		t.Fatalf("reading bind address failed: %v", err)
	}
	return head[1], bind
}

func TestClientSession_Connect(t *testing.T) {
	echo := startEchoServer(t)
	remote, _ := startTrojanServer(t)

	env := newClientEnv(remote)
	addr, done := serveSessions(t, func(c net.Conn) Session { return NewClientSession(env, c) })

	conn := socksDial(t, addr)
	if rep, _ := socksRequest(t, conn, socks5.CmdConnect, echo); rep != socks5.ReplySucceeded {
		t.Fatalf("reply = %#x, want success", rep)
	}

	conn.Write([]byte("hello through the tunnel"))
	buf := make([]byte, len("hello through the tunnel"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(buf) != "hello through the tunnel" {
		t.Errorf("echo = %q", buf)
	}

	conn.Close()
	s := waitSession(t, done).(*ClientSession)
	if s.State() != StateDestroy {
		t.Errorf("State() = %v, want DESTROY", s.State())
	}
}

func TestClientSession_Errors(t *testing.T) {
	closed := listenTCP(t)
	deadRemote := closed.Addr().String()
	closed.Close()

	tests := []struct {
		name      string
		remote    string
		cmd       byte
		wantReply byte
	}{
		{"unsupported command", deadRemote, socks5.CmdBind, socks5.ReplyCmdNotSupported},
		{"remote unreachable", deadRemote, socks5.CmdConnect, socks5.ReplyConnectionRefused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newClientEnv(tt.remote)
			addr, done := serveSessions(t, func(c net.Conn) Session { return NewClientSession(env, c) })

			conn := socksDial(t, addr)
			rep, _ := socksRequest(t, conn, tt.cmd, "example.com:80")
			if rep != tt.wantReply {
				t.Errorf("reply = %#x, want %#x", rep, tt.wantReply)
			}
			waitSession(t, done)
		})
	}
}

func TestClientSession_RejectsOtherAuthMethods(t *testing.T) {
	addr, done := serveSessions(t, func(c net.Conn) Session { return NewClientSession(newClientEnv("127.0.0.1:1"), c) })

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{socks5.Version, 1, 0x02})
	resp := make([]byte, 2)
	io.ReadFull(conn, resp)
	if resp[1] != socks5.AuthMethodNoAcceptable {
		t.Errorf("method = %#x, want no acceptable", resp[1])
	}
	waitSession(t, done)
}

func TestClientSession_UDPAssociate(t *testing.T) {
	echo := startUDPEcho(t)
	remote, _ := startTrojanServer(t)

	env := newClientEnv(remote)
	env.UDPTimeout = time.Minute
	addr, done := serveSessions(t, func(c net.Conn) Session { return NewClientSession(env, c) })

	conn := socksDial(t, addr)
	rep, bind := socksRequest(t, conn, socks5.CmdUDPAssociate, "0.0.0.0:0")
	if rep != socks5.ReplySucceeded {
		t.Fatalf("reply = %#x, want success", rep)
	}
	relayAddr, ok := bind.AddrPort()
	if !ok || relayAddr.Port() == 0 {
		t.Fatalf("bind address = %v, want a UDP relay address", bind)
	}

	pc := listenUDP(t)
	target := protocol.AddressFromAddrPort(echo)
	for _, msg := range []string{"first", "second"} {
		dgram, _ := socks5.AppendDatagram(nil, socks5.Datagram{Address: target, Data: []byte(msg)})
		if _, err := pc.WriteToUDPAddrPort(dgram, relayAddr); err != nil {
			t.Fatalf("WriteToUDPAddrPort failed: %v", err)
		}

		pc.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 2048)
		n, from, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			t.Fatalf("no reply for %q: %v", msg, err)
		}
		if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != relayAddr {
			t.Errorf("reply from %v, want relay %v", from, relayAddr)
		}
		d, err := socks5.ParseDatagram(buf[:n])
		if err != nil {
			t.Fatalf("ParseDatagram failed: %v", err)
		}
		if d.Address != target || string(d.Data) != msg {
			t.Errorf("reply = %v %q, want %v %q", d.Address, d.Data, target, msg)
		}
	}

	// Closing the control connection ends the association.
	conn.Close()
	waitSession(t, done)
}
