package session

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/postalsys/trojan-relay/internal/auth"
	"github.com/postalsys/trojan-relay/internal/certutil"
	"github.com/postalsys/trojan-relay/internal/protocol"
	"github.com/postalsys/trojan-relay/internal/transport"
)

const testPassword = "correct horse battery staple"

func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()

	gc, err := certutil.GenerateServerCert("localhost", nil, time.Hour, nil)
	if err != nil {
		t.Fatalf("GenerateServerCert failed: %v", err)
	}
	cert, err := gc.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate failed: %v", err)
	}
	return cert
}

func serverTLSConfig(t *testing.T, alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{testCertificate(t)},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS12,
	}
}

func clientTLSConfig(alpn ...string) *tls.Config {
	return &tls.Config{
		ServerName:         "localhost",
		InsecureSkipVerify: true,
		NextProtos:         alpn,
	}
}

// tlsRemote dials the upstream server without certificate checks.
type tlsRemote struct {
	config *tls.Config
}

func (r tlsRemote) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	d := &tls.Dialer{Config: r.config}
	return d.DialContext(ctx, "tcp", addr)
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// serveSessions runs a session for every accepted connection. Each session
// is sent on the returned channel once its Run has returned.
func serveSessions(t *testing.T, newSession func(net.Conn) Session) (string, <-chan Session) {
	t.Helper()

	ln := listenTCP(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan Session, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s := newSession(conn)
			go func() {
				s.Run(ctx)
				done <- s
			}()
		}
	}()
	return ln.Addr().String(), done
}

func waitSession(t *testing.T, done <-chan Session) Session {
	t.Helper()

	select {
	case s := <-done:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

// startTCPServer runs handler for every connection on a loopback port and
// closes the connection when handler returns.
func startTCPServer(t *testing.T, handler func(net.Conn)) string {
	t.Helper()

	ln := listenTCP(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func startEchoServer(t *testing.T) string {
	return startTCPServer(t, func(c net.Conn) {
		io.Copy(c, c)
	})
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func startUDPEcho(t *testing.T) netip.AddrPort {
	t.Helper()

	pc := listenUDP(t)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			pc.WriteToUDPAddrPort(buf[:n], from)
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

func newServerEnv(a auth.Authenticator, cfg *tls.Config) *Env {
	return &Env{
		Auth:             a,
		TLSConfig:        cfg,
		Dialer:           transport.NewDialer(transport.TCPOptions{}),
		HandshakeTimeout: 5 * time.Second,
	}
}

// startTrojanServer serves ServerSessions that accept testPassword.
func startTrojanServer(t *testing.T) (string, *auth.Memory) {
	t.Helper()

	mem := auth.NewMemory([]string{testPassword}, nil)
	env := newServerEnv(mem, serverTLSConfig(t))
	addr, _ := serveSessions(t, func(c net.Conn) Session { return NewServerSession(env, c) })
	return addr, mem
}

func newClientEnv(remoteAddr string) *Env {
	return &Env{
		Remote:           tlsRemote{config: clientTLSConfig()},
		RemoteAddr:       remoteAddr,
		Digest:           auth.Digest(testPassword),
		HandshakeTimeout: 5 * time.Second,
	}
}

func tunnelHeader(t *testing.T, password string, cmd uint8, target string) []byte {
	t.Helper()

	addr, err := protocol.ParseAddress(target)
	if err != nil {
		t.Fatalf("ParseAddress(%q) failed: %v", target, err)
	}
	b, err := protocol.EncodeHeader(protocol.Header{
		Digest:  auth.Digest(password),
		Command: cmd,
		Address: addr,
	})
	if err != nil {
		t.Fatalf("EncodeHeader failed: %v", err)
	}
	return b
}

func dialTLS(t *testing.T, addr string, cfg *tls.Config) *tls.Conn {
	t.Helper()

	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		t.Fatalf("tls.Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}
