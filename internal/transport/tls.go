package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/postalsys/trojan-relay/internal/config"
)

// openSSLCipherNames maps the OpenSSL spelling used by existing trojan
// configurations onto Go cipher suite IDs.
var openSSLCipherNames = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

var curveNames = map[string]tls.CurveID{
	"X25519":     tls.X25519,
	"P-256":      tls.CurveP256,
	"P-384":      tls.CurveP384,
	"P-521":      tls.CurveP521,
	"prime256v1": tls.CurveP256,
	"secp384r1":  tls.CurveP384,
	"secp521r1":  tls.CurveP521,
}

// ParseCipherSuites resolves a colon separated cipher list. Both IANA and
// OpenSSL names are understood; names Go cannot provide are returned in
// ignored so the caller can log them. An empty list selects Go defaults.
func ParseCipherSuites(list string) (suites []uint16, ignored []string, err error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil, nil
	}

	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s.ID
	}

	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if id, ok := byName[name]; ok {
			suites = append(suites, id)
			continue
		}
		if id, ok := openSSLCipherNames[name]; ok {
			suites = append(suites, id)
			continue
		}
		ignored = append(ignored, name)
	}

	if len(suites) == 0 {
		return nil, ignored, fmt.Errorf("no usable cipher suites in %q", list)
	}
	return suites, ignored, nil
}

// ParseCurves resolves a colon separated list of key exchange groups.
func ParseCurves(list string) ([]tls.CurveID, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	var curves []tls.CurveID
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := curveNames[name]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", name)
		}
		curves = append(curves, id)
	}
	return curves, nil
}

// LoadCAPool loads a CA certificate pool from a file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return pool, nil
}

// LoadKeyPair reads a certificate and private key. A legacy encrypted PEM key
// is decrypted with password.
func LoadKeyPair(certFile, keyFile, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key: %w", err)
	}

	if password != "" {
		block, _ := pem.Decode(keyPEM)
		//nolint:staticcheck // encrypted PEM keys are still produced by openssl -des3
		if block != nil && x509.IsEncryptedPEMBlock(block) {
			der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("failed to decrypt private key: %w", err)
			}
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	return cert, nil
}

// ServerTLS is the server-side TLS context. The certificate is swapped
// atomically on Reload; handshakes already in progress keep the old one.
type ServerTLS struct {
	certFile    string
	keyFile     string
	keyPassword string

	cert   atomic.Pointer[tls.Certificate]
	config *tls.Config

	// Ignored lists configured cipher names Go does not implement.
	Ignored []string
}

// NewServerTLS builds the server TLS context from the ssl block.
func NewServerTLS(c config.SSLConfig) (*ServerTLS, error) {
	s := &ServerTLS{
		certFile:    c.Cert,
		keyFile:     c.Key,
		keyPassword: c.KeyPassword,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}

	suites, ignored, err := ParseCipherSuites(c.Cipher)
	if err != nil {
		return nil, err
	}
	s.Ignored = ignored

	curves, err := ParseCurves(c.Curves)
	if err != nil {
		return nil, err
	}

	s.config = &tls.Config{
		MinVersion:             tls.VersionTLS12,
		CipherSuites:           suites,
		CurvePreferences:       curves,
		NextProtos:             c.ALPN,
		SessionTicketsDisabled: !c.SessionTicket,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.cert.Load(), nil
		},
	}
	return s, nil
}

// Config returns the tls.Config handed to tls.Server.
func (s *ServerTLS) Config() *tls.Config {
	return s.config
}

// Certificate returns the certificate currently being served.
func (s *ServerTLS) Certificate() *tls.Certificate {
	return s.cert.Load()
}

// Reload re-reads the certificate and key from disk. On failure the
// previous certificate stays in use.
func (s *ServerTLS) Reload() error {
	cert, err := LoadKeyPair(s.certFile, s.keyFile, s.keyPassword)
	if err != nil {
		return err
	}
	s.cert.Store(&cert)
	return nil
}

// ClientTLS dials TLS connections to the trojan server.
type ClientTLS struct {
	dialer      *Dialer
	config      *tls.Config
	fingerprint string
}

// NewClientTLS builds the client TLS dialer. serverName is used for SNI and
// verification when ssl.sni is empty.
func NewClientTLS(c config.SSLConfig, serverName string, dialer *Dialer) (*ClientTLS, error) {
	if c.SNI != "" {
		serverName = c.SNI
	}

	cfg := &tls.Config{
		ServerName: serverName,
		NextProtos: c.ALPN,
		MinVersion: tls.VersionTLS12,
	}

	if c.Cert != "" {
		pool, err := LoadCAPool(c.Cert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	switch {
	case !c.Verify:
		cfg.InsecureSkipVerify = true
	case !c.VerifyHostname:
		// Chain is still checked, the name is not.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(cfg.RootCAs)
	}

	suites, _, err := ParseCipherSuites(c.Cipher)
	if err != nil {
		return nil, err
	}
	cfg.CipherSuites = suites

	curves, err := ParseCurves(c.Curves)
	if err != nil {
		return nil, err
	}
	cfg.CurvePreferences = curves

	if c.ReuseSession {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}

	return &ClientTLS{
		dialer:      dialer,
		config:      cfg,
		fingerprint: c.Fingerprint,
	}, nil
}

// Config returns the standard library client config.
func (c *ClientTLS) Config() *tls.Config {
	return c.config
}

// DialContext connects to addr and completes the TLS handshake.
func (c *ClientTLS) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	raw, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if IsFingerprintEnabled(c.fingerprint) {
		conn, err := uClient(ctx, raw, c.config, c.fingerprint)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}

	conn := tls.Client(raw, c.config)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
	}
	return conn, nil
}

func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
