// Package config provides configuration parsing and validation for trojan-relay.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	RunServer  = "server"
	RunClient  = "client"
	RunForward = "forward"
	RunNAT     = "nat"
)

// Config represents the complete relay configuration. Keys match the JSON
// configuration files used by existing trojan deployments, so those files load
// unchanged.
type Config struct {
	RunType        string        `yaml:"run_type"`
	LocalAddr      string        `yaml:"local_addr"`
	LocalPort      uint16        `yaml:"local_port"`
	RemoteAddr     string        `yaml:"remote_addr"`
	RemotePort     uint16        `yaml:"remote_port"`
	TargetAddr     string        `yaml:"target_addr"`
	TargetPort     uint16        `yaml:"target_port"`
	Password       []string      `yaml:"password"`
	UDPTimeout     int           `yaml:"udp_timeout"`      // seconds
	UDPMaxSessions int           `yaml:"udp_max_sessions"` // per service
	LogLevel       Level         `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	SSL            SSLConfig     `yaml:"ssl"`
	TCP            TCPConfig     `yaml:"tcp"`
	MySQL          MySQLConfig   `yaml:"mysql"`
	Health         HealthConfig  `yaml:"health"`
	Control        ControlConfig `yaml:"control"`
}

// Level is a log level. Both names (info) and the numeric levels 0-5 used by
// older configuration files are accepted.
type Level string

// UnmarshalYAML accepts any scalar.
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("log_level must be a scalar")
	}
	*l = Level(value.Value)
	return nil
}

// SSLConfig defines TLS settings. In server mode Cert and Key are the served
// certificate; in client modes Cert is an optional CA bundle used to verify the
// server.
type SSLConfig struct {
	Verify             bool              `yaml:"verify"`
	VerifyHostname     bool              `yaml:"verify_hostname"`
	Cert               string            `yaml:"cert"`
	Key                string            `yaml:"key"`
	KeyPassword        string            `yaml:"key_password"`
	Cipher             string            `yaml:"cipher"`       // colon separated
	CipherTLS13        string            `yaml:"cipher_tls13"` // not configurable in Go
	PreferServerCipher bool              `yaml:"prefer_server_cipher"`
	SNI                string            `yaml:"sni"`
	ALPN               []string          `yaml:"alpn"`
	ALPNPortOverride   map[string]uint16 `yaml:"alpn_port_override"`
	ReuseSession       bool              `yaml:"reuse_session"`
	SessionTicket      bool              `yaml:"session_ticket"`
	SessionTimeout     int               `yaml:"session_timeout"` // seconds
	PlainHTTPResponse  string            `yaml:"plain_http_response"`
	Curves             string            `yaml:"curves"`  // colon separated
	DHParam            string            `yaml:"dhparam"` // not supported by Go
	Fingerprint        string            `yaml:"fingerprint"`
	HandshakeTimeout   int               `yaml:"handshake_timeout"` // seconds
}

// TCPConfig defines socket tuning.
type TCPConfig struct {
	PreferIPv4   bool `yaml:"prefer_ipv4"`
	NoDelay      bool `yaml:"no_delay"`
	KeepAlive    bool `yaml:"keep_alive"`
	ReusePort    bool `yaml:"reuse_port"`
	FastOpen     bool `yaml:"fast_open"`
	FastOpenQlen int  `yaml:"fast_open_qlen"`
}

// MySQLConfig defines the usage ledger database.
type MySQLConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ServerAddr string `yaml:"server_addr"`
	ServerPort uint16 `yaml:"server_port"`
	Database   string `yaml:"database"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Key        string `yaml:"key"`
	Cert       string `yaml:"cert"`
	CA         string `yaml:"ca"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		RunType:        RunClient,
		LocalAddr:      "127.0.0.1",
		LocalPort:      1080,
		UDPTimeout:     60,
		UDPMaxSessions: 1024,
		LogLevel:       "info",
		LogFormat:      "text",
		SSL: SSLConfig{
			Verify:             true,
			VerifyHostname:     true,
			PreferServerCipher: true,
			ReuseSession:       true,
			SessionTicket:      false,
			SessionTimeout:     600,
			HandshakeTimeout:   30,
		},
		TCP: TCPConfig{
			NoDelay:      true,
			KeepAlive:    true,
			FastOpenQlen: 20,
		},
		MySQL: MySQLConfig{
			ServerAddr: "127.0.0.1",
			ServerPort: 3306,
			Database:   "trojan",
			Username:   "trojan",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./trojan.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML (or JSON) bytes and validates it.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	// JSON is YAML except that YAML rejects tab indentation. Raw tabs cannot
	// appear inside JSON strings, so replacing them is safe.
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		data = bytes.ReplaceAll(data, []byte("\t"), []byte("  "))
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadSIP003 builds the configuration from the SIP003 plugin environment.
// It reports false when SS_PLUGIN_OPTIONS is not set. The plugin options carry
// the whole configuration; the listen or remote endpoint comes from the
// SS_REMOTE_* and SS_LOCAL_* variables depending on the run mode.
func LoadSIP003() (*Config, bool, error) {
	options, ok := os.LookupEnv("SS_PLUGIN_OPTIONS")
	if !ok {
		return nil, false, nil
	}

	cfg, err := parse([]byte(options))
	if err != nil {
		return nil, true, err
	}

	if cfg.RunType != RunServer && cfg.RunType != RunForward {
		return nil, true, fmt.Errorf("SIP003 with wrong run_type %q", cfg.RunType)
	}

	remoteHost, remotePort, err := sip003Endpoint("SS_REMOTE_HOST", "SS_REMOTE_PORT")
	if err != nil {
		return nil, true, err
	}

	if cfg.RunType == RunServer {
		cfg.LocalAddr, cfg.LocalPort = remoteHost, remotePort
	} else {
		localHost, localPort, err := sip003Endpoint("SS_LOCAL_HOST", "SS_LOCAL_PORT")
		if err != nil {
			return nil, true, err
		}
		cfg.RemoteAddr, cfg.RemotePort = remoteHost, remotePort
		cfg.LocalAddr, cfg.LocalPort = localHost, localPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, true, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, true, nil
}

func sip003Endpoint(hostVar, portVar string) (string, uint16, error) {
	host := os.Getenv(hostVar)
	if host == "" {
		return "", 0, fmt.Errorf("%s is not set", hostVar)
	}
	port, err := strconv.ParseUint(os.Getenv(portVar), 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid %s: %w", portVar, err)
	}
	return host, uint16(port), nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors and reports all of them at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.RunType {
	case RunServer, RunClient, RunForward, RunNAT:
	default:
		errs = append(errs, fmt.Sprintf("invalid run_type: %q (must be server, client, forward, or nat)", c.RunType))
	}

	if c.LocalAddr == "" {
		errs = append(errs, "local_addr is required")
	}
	if !isValidLogLevel(string(c.LogLevel)) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, error, off, or 0-5)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.UDPTimeout < 1 {
		errs = append(errs, "udp_timeout must be positive")
	}
	if c.UDPMaxSessions < 1 {
		errs = append(errs, "udp_max_sessions must be positive")
	}
	if c.SSL.HandshakeTimeout < 0 {
		errs = append(errs, "ssl.handshake_timeout must not be negative")
	}
	if c.SSL.SessionTimeout < 0 {
		errs = append(errs, "ssl.session_timeout must not be negative")
	}

	switch c.RunType {
	case RunServer:
		if c.SSL.Cert == "" || c.SSL.Key == "" {
			errs = append(errs, "ssl.cert and ssl.key are required in server mode")
		}
		if len(c.Password) == 0 && !c.MySQL.Enabled {
			errs = append(errs, "password is required in server mode unless mysql is enabled")
		}
		if c.RemoteAddr != "" && c.RemotePort == 0 {
			errs = append(errs, "remote_port is required when remote_addr is set")
		}
	case RunClient, RunForward, RunNAT:
		if c.RemoteAddr == "" || c.RemotePort == 0 {
			errs = append(errs, fmt.Sprintf("remote_addr and remote_port are required in %s mode", c.RunType))
		}
		if len(c.Password) == 0 {
			errs = append(errs, fmt.Sprintf("password is required in %s mode", c.RunType))
		}
		if !isValidFingerprint(c.SSL.Fingerprint) {
			errs = append(errs, fmt.Sprintf("invalid ssl.fingerprint: %s", c.SSL.Fingerprint))
		}
	}

	if c.RunType == RunForward && (c.TargetAddr == "" || c.TargetPort == 0) {
		errs = append(errs, "target_addr and target_port are required in forward mode")
	}

	for i, p := range c.Password {
		if p == "" {
			errs = append(errs, fmt.Sprintf("password[%d] is empty", i))
		}
	}

	for i, proto := range c.SSL.ALPN {
		if len(proto) == 0 || len(proto) > 255 {
			errs = append(errs, fmt.Sprintf("ssl.alpn[%d]: length must be between 1 and 255", i))
		}
	}
	for proto, port := range c.SSL.ALPNPortOverride {
		if port == 0 {
			errs = append(errs, fmt.Sprintf("ssl.alpn_port_override[%s]: port must be positive", proto))
		}
	}

	if c.MySQL.Enabled {
		if c.MySQL.ServerAddr == "" {
			errs = append(errs, "mysql.server_addr is required when enabled")
		}
		if c.MySQL.Database == "" {
			errs = append(errs, "mysql.database is required when enabled")
		}
		if (c.MySQL.Key == "") != (c.MySQL.Cert == "") {
			errs = append(errs, "mysql.key and mysql.cert must be set together")
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Warnings lists accepted options that have no effect in this build.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.SSL.CipherTLS13 != "" {
		warnings = append(warnings, "ssl.cipher_tls13 is ignored: TLS 1.3 suites are not configurable")
	}
	if c.SSL.DHParam != "" {
		warnings = append(warnings, "ssl.dhparam is ignored: finite-field DHE is not supported")
	}
	if c.RunType == RunServer && c.SSL.Fingerprint != "" {
		warnings = append(warnings, "ssl.fingerprint is ignored in server mode")
	}
	if c.RunType == RunNAT && runtime.GOOS != "linux" {
		warnings = append(warnings, "nat mode needs SO_ORIGINAL_DST, which this platform lacks")
	}
	return warnings
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "all", "info", "warn", "warning", "error", "fatal", "off",
		"0", "1", "2", "3", "4", "5":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidFingerprint(preset string) bool {
	switch preset {
	case "", "disabled", "go", "chrome", "firefox", "safari", "edge", "ios", "android", "random":
		return true
	default:
		return false
	}
}

// LocalAddress returns the listen address in host:port form.
func (c *Config) LocalAddress() string {
	return net.JoinHostPort(c.LocalAddr, strconv.Itoa(int(c.LocalPort)))
}

// RemoteAddress returns the upstream (or fallback) address in host:port form.
func (c *Config) RemoteAddress() string {
	return net.JoinHostPort(c.RemoteAddr, strconv.Itoa(int(c.RemotePort)))
}

// TargetAddress returns the forward mode target in host:port form.
func (c *Config) TargetAddress() string {
	return net.JoinHostPort(c.TargetAddr, strconv.Itoa(int(c.TargetPort)))
}

// UDPIdleTimeout returns udp_timeout as a duration.
func (c *Config) UDPIdleTimeout() time.Duration {
	return time.Duration(c.UDPTimeout) * time.Second
}

// HandshakeTimeout returns ssl.handshake_timeout as a duration. Zero disables it.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.SSL.HandshakeTimeout) * time.Second
}

// String returns a string representation of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Password {
		redacted.Password[i] = redactedValue
	}
	if redacted.SSL.KeyPassword != "" {
		redacted.SSL.KeyPassword = redactedValue
	}
	if redacted.MySQL.Password != "" {
		redacted.MySQL.Password = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any secret.
func (c *Config) HasSensitiveData() bool {
	return len(c.Password) > 0 || c.SSL.KeyPassword != "" || c.MySQL.Password != ""
}
