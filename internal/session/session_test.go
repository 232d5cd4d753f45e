package session

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHandshake, "HANDSHAKE"},
		{StateConnect, "CONNECT"},
		{StateForward, "FORWARD"},
		{StateUDPForward, "UDP_FORWARD"},
		{StateForwarding, "FORWARDING"},
		{StateDestroy, "DESTROY"},
		{State(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestFallbackTarget(t *testing.T) {
	f := Fallback{
		Host:      "127.0.0.1",
		Port:      80,
		ALPNPorts: map[string]uint16{"h2": 8443, "": 9999},
	}

	tests := []struct {
		alpn string
		want string
	}{
		{"", "127.0.0.1:80"},
		{"http/1.1", "127.0.0.1:80"},
		{"h2", "127.0.0.1:8443"},
	}
	for _, tt := range tests {
		if got := f.Target(tt.alpn); got != tt.want {
			t.Errorf("Target(%q) = %s, want %s", tt.alpn, got, tt.want)
		}
	}

	if (Fallback{}).Enabled() {
		t.Error("zero Fallback reports enabled")
	}
	if !f.Enabled() {
		t.Error("configured Fallback reports disabled")
	}
}

type countingCloser struct {
	n int
}

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestSockets(t *testing.T) {
	var s sockets
	a, b := &countingCloser{}, &countingCloser{}

	if !s.add(a) {
		t.Fatal("add() before close reported false")
	}
	s.close()
	s.close()
	if a.n != 1 {
		t.Errorf("closer closed %d times, want 1", a.n)
	}

	if s.add(b) {
		t.Error("add() after close reported true")
	}
	if b.n != 1 {
		t.Error("socket added after close was not closed")
	}
}

func TestRelay_HalfClose(t *testing.T) {
	// client side: a <-> relayClient; remote side: relayRemote <-> b
	a, relayClient := tcpPair(t)
	relayRemote, b := tcpPair(t)

	var tr traffic
	finished := make(chan struct{})
	go func() {
		relay(relayClient, relayRemote, &tr)
		close(finished)
	}()

	a.Write([]byte("request"))
	a.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(b)
	if err != nil || string(got) != "request" {
		t.Fatalf("remote received %q, %v", got, err)
	}

	// The other direction still flows after the client half-closed.
	b.Write([]byte("response"))
	b.Close()

	got, err = io.ReadAll(a)
	if err != nil || string(got) != "response" {
		t.Fatalf("client received %q, %v", got, err)
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
	if tr.upload.Load() != 7 || tr.download.Load() != 8 {
		t.Errorf("traffic = %d/%d, want 7/8", tr.upload.Load(), tr.download.Load())
	}
}

func TestRecordingReader(t *testing.T) {
	rr := &recordingReader{r: strings.NewReader("abcdef")}
	buf := make([]byte, 4)
	rr.Read(buf)
	rr.Read(buf)
	if string(rr.buf) != "abcdef" {
		t.Errorf("recorded %q, want abcdef", rr.buf)
	}
}

func TestIsTimeout(t *testing.T) {
	a, _ := tcpPair(t)
	a.SetReadDeadline(time.Now().Add(-time.Second))
	_, err := a.Read(make([]byte, 1))
	if !isTimeout(err) {
		t.Errorf("isTimeout(%v) = false", err)
	}
	if isTimeout(errors.New("other")) {
		t.Error("isTimeout(plain error) = true")
	}
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln := listenTCP(t)
	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	c2, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	c1.SetDeadline(time.Now().Add(10 * time.Second))
	c2.SetDeadline(time.Now().Add(10 * time.Second))
	return c1, c2
}
