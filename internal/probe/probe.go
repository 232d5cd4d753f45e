// Package probe checks that a trojan server accepts tunnels from this client.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/postalsys/trojan-relay/internal/auth"
	"github.com/postalsys/trojan-relay/internal/protocol"
)

// DefaultTarget is the destination requested through the tunnel when none
// is given.
const DefaultTarget = "www.google.com:80"

// Dialer opens TLS connections to the server.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}

// Options contains configuration for a connectivity probe.
type Options struct {
	// Dialer opens the TLS connection, with the client's TLS settings.
	Dialer Dialer

	// Address is the server host:port to probe.
	Address string

	// Password is sent as the tunnel credential.
	Password string

	// Target is the host:port the server is asked to connect to.
	Target string

	// Payload is sent after the tunnel header. Defaults to an HTTP HEAD
	// request for Target.
	Payload []byte

	// Timeout for the entire probe operation
	Timeout time.Duration
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates that data came back through the tunnel.
	Success bool

	Address string
	Target  string

	// TLS details of the server connection.
	TLSVersion string
	ALPN       string

	// HandshakeRTT covers TCP connect and TLS handshake.
	HandshakeRTT time.Duration

	// RTT is the time until the first response byte arrived.
	RTT time.Duration

	// Response holds the first bytes read back.
	Response []byte

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// errNoData marks a tunnel the server closed without sending anything.
var errNoData = errors.New("tunnel closed without data")

// Probe opens one tunnel through the server at opts.Address and waits for
// the first bytes from the target.
//
// A trojan server never reports authentication failures; a wrong password
// and an unreachable target both show up as a tunnel closed without data.
func Probe(ctx context.Context, opts Options) *Result {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}

	result := &Result{
		Address: opts.Address,
		Target:  opts.Target,
	}
	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	target, err := protocol.ParseAddress(opts.Target)
	if err != nil {
		return fail(fmt.Errorf("invalid target: %w", err))
	}
	payload := opts.Payload
	if payload == nil {
		payload = headRequest(target.Host)
	}

	header, err := protocol.EncodeHeader(protocol.Header{
		Digest:  auth.Digest(opts.Password),
		Command: protocol.CmdConnect,
		Address: target,
	})
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := opts.Dialer.DialContext(ctx, opts.Address)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	result.HandshakeRTT = time.Since(start)

	if cs, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		state := cs.ConnectionState()
		result.TLSVersion = tls.VersionName(state.Version)
		result.ALPN = state.NegotiatedProtocol
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	start = time.Now()
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return fail(fmt.Errorf("failed to send tunnel header: %w", err))
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			err = errNoData
		}
		return fail(err)
	}

	result.Success = true
	result.RTT = time.Since(start)
	result.Response = buf[:n]
	return result
}

func headRequest(host string) []byte {
	return []byte("HEAD / HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n")
}

// StatusLine returns the first line of an HTTP response, or "".
func (r *Result) StatusLine() string {
	line, _, _ := strings.Cut(string(r.Response), "\r\n")
	if !strings.HasPrefix(line, "HTTP/") {
		return ""
	}
	return line
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, errNoData) {
		return "Tunnel closed without data - wrong password, or the target is unreachable from the server"
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - server not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	// TLS errors
	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (set ssl.cert to the CA or disable ssl.verify)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	return err.Error()
}
