package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// FingerprintPreset names a browser ClientHello to mimic on the client side.
type FingerprintPreset string

const (
	// FingerprintDisabled uses Go standard library TLS.
	FingerprintDisabled FingerprintPreset = "disabled"
	// FingerprintGo uses Go standard library TLS (same as disabled).
	FingerprintGo FingerprintPreset = "go"
	FingerprintChrome   FingerprintPreset = "chrome"
	FingerprintFirefox  FingerprintPreset = "firefox"
	FingerprintSafari   FingerprintPreset = "safari"
	FingerprintEdge     FingerprintPreset = "edge"
	FingerprintIOS      FingerprintPreset = "ios"
	FingerprintAndroid  FingerprintPreset = "android"
	// FingerprintRandom randomizes the ClientHello per connection.
	FingerprintRandom FingerprintPreset = "random"
)

var fingerprintClientHelloIDs = map[FingerprintPreset]utls.ClientHelloID{
	FingerprintChrome:   utls.HelloChrome_Auto,
	FingerprintFirefox:  utls.HelloFirefox_Auto,
	FingerprintSafari:   utls.HelloSafari_Auto,
	FingerprintEdge:     utls.HelloEdge_Auto,
	FingerprintIOS:      utls.HelloIOS_Auto,
	FingerprintAndroid:  utls.HelloAndroid_11_OkHttp,
	FingerprintRandom:   utls.HelloRandomized,
	FingerprintGo:       utls.HelloGolang,
	FingerprintDisabled: utls.HelloGolang,
	"":                  utls.HelloGolang,
}

// GetClientHelloID returns the uTLS ClientHelloID for the given preset.
// Returns HelloGolang for unknown presets.
func GetClientHelloID(preset string) utls.ClientHelloID {
	if id, ok := fingerprintClientHelloIDs[FingerprintPreset(preset)]; ok {
		return id
	}
	return utls.HelloGolang
}

// IsFingerprintEnabled returns true if the preset enables ClientHello mimicry.
func IsFingerprintEnabled(preset string) bool {
	return preset != "" && preset != string(FingerprintDisabled) && preset != string(FingerprintGo)
}

// utlsConn keeps the net.Conn surface of a uTLS connection and exposes the
// negotiated state in crypto/tls terms.
type utlsConn struct {
	*utls.UConn
	rawConn net.Conn
}

// ConnectionState converts the uTLS state to the standard library type.
func (c *utlsConn) ConnectionState() tls.ConnectionState {
	state := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:                    state.Version,
		HandshakeComplete:          state.HandshakeComplete,
		DidResume:                  state.DidResume,
		CipherSuite:                state.CipherSuite,
		NegotiatedProtocol:         state.NegotiatedProtocol,
		NegotiatedProtocolIsMutual: state.NegotiatedProtocolIsMutual,
		ServerName:                 state.ServerName,
		PeerCertificates:           state.PeerCertificates,
		VerifiedChains:             state.VerifiedChains,
	}
}

// NetConn returns the underlying TCP connection.
func (c *utlsConn) NetConn() net.Conn {
	return c.rawConn
}

// uClient runs a uTLS client handshake over an already dialed connection,
// carrying over verification, SNI and ALPN from cfg.
func uClient(ctx context.Context, rawConn net.Conn, cfg *tls.Config, preset string) (net.Conn, error) {
	ucfg := &utls.Config{
		ServerName:            cfg.ServerName,
		InsecureSkipVerify:    cfg.InsecureSkipVerify,
		VerifyPeerCertificate: cfg.VerifyPeerCertificate,
		RootCAs:               cfg.RootCAs,
		MinVersion:            cfg.MinVersion,
		MaxVersion:            cfg.MaxVersion,
		NextProtos:            cfg.NextProtos,
	}
	if cfg.ClientSessionCache != nil {
		ucfg.ClientSessionCache = utls.NewLRUClientSessionCache(0)
	}

	uconn := utls.UClient(rawConn, ucfg, GetClientHelloID(preset))

	// Browser presets carry their own ALPN list; replace it with ours.
	if alpn := cfg.NextProtos; len(alpn) > 0 {
		if err := uconn.BuildHandshakeState(); err != nil {
			return nil, fmt.Errorf("failed to build handshake state: %w", err)
		}

		found := false
		for _, ext := range uconn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = alpn
				found = true
				break
			}
		}
		if !found {
			uconn.Extensions = append(uconn.Extensions, &utls.ALPNExtension{AlpnProtocols: alpn})
		}
		if err := uconn.MarshalClientHello(); err != nil {
			return nil, fmt.Errorf("failed to marshal client hello: %w", err)
		}
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("uTLS handshake failed: %w", err)
	}

	return &utlsConn{UConn: uconn, rawConn: rawConn}, nil
}
