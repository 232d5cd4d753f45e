// Package wizard provides an interactive setup wizard for trojan-relay.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/trojan-relay/internal/certutil"
	"github.com/postalsys/trojan-relay/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
}

// answers collects everything the forms ask for.
type answers struct {
	RunType    string
	LocalAddr  string
	LocalPort  uint16
	RemoteAddr string
	RemotePort uint16
	TargetAddr string
	TargetPort uint16
	Passwords  []string

	Cert   string
	Key    string
	Verify bool
	SNI    string

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
	CertsDir       string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	a := &answers{Verify: true}
	if err := w.askRunType(a); err != nil {
		return nil, err
	}
	if err := w.askEndpoints(a); err != nil {
		return nil, err
	}
	if err := w.askPasswords(a); err != nil {
		return nil, err
	}
	if a.RunType == config.RunServer {
		err = w.askServerTLS(a, filepath.Dir(configPath))
	} else {
		err = w.askClientTLS(a)
	}
	if err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(a); err != nil {
		return nil, err
	}

	cfg := buildConfig(a, filepath.Dir(configPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		CertsDir:   a.CertsDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _            _                          _
 | |_ _ _ ___ (_)__ _ _ _    _ _ ___| |__ _ _  _
 |  _| '_/ _ \| / _' | ' \  | '_/ -_) / _' | || |
  \__|_| \___// \__,_|_||_| |_| \___|_\__,_|\_, |
            |__/                             |__/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  TLS Tunneling Proxy - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("JSON configuration files from other trojan\nimplementations load unchanged; this wizard writes YAML."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return configPath, err
}

func (w *Wizard) askRunType(a *answers) error {
	a.RunType = config.RunServer

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Run Mode").
				Options(
					huh.NewOption("Server (terminate TLS tunnels)", config.RunServer),
					huh.NewOption("Client (local SOCKS5 proxy)", config.RunClient),
					huh.NewOption("Forward (fixed TCP/UDP port forward)", config.RunForward),
					huh.NewOption("NAT (transparent proxy, Linux only)", config.RunNAT),
				).
				Value(&a.RunType),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askEndpoints(a *answers) error {
	local := defaultLocal(a.RunType)
	var remote, target string

	remoteTitle := "Remote Server"
	remoteDesc := "trojan server to tunnel through (host:port)"
	if a.RunType == config.RunServer {
		remoteTitle = "Fallback Web Server (optional)"
		remoteDesc = "Where unrecognised traffic is relayed (host:port, empty to close silently)"
	}

	fields := []huh.Field{
		huh.NewNote().
			Title("Network Configuration").
			Description("Configure where this relay listens and where it connects."),

		huh.NewInput().
			Title("Listen Address").
			Placeholder(local).
			Value(&local).
			Validate(validateHostPort(true)),

		huh.NewInput().
			Title(remoteTitle).
			Description(remoteDesc).
			Value(&remote).
			Validate(validateHostPort(a.RunType != config.RunServer)),
	}
	if a.RunType == config.RunForward {
		fields = append(fields, huh.NewInput().
			Title("Forward Target").
			Description("Destination reached through the tunnel (host:port)").
			Value(&target).
			Validate(validateHostPort(true)))
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run(); err != nil {
		return err
	}

	a.LocalAddr, a.LocalPort, _ = splitHostPort(local)
	if remote != "" {
		a.RemoteAddr, a.RemotePort, _ = splitHostPort(remote)
	}
	if target != "" {
		a.TargetAddr, a.TargetPort, _ = splitHostPort(target)
	}
	return nil
}

func (w *Wizard) askPasswords(a *answers) error {
	generated, err := generatePassword()
	if err != nil {
		return err
	}
	passwords := generated

	desc := "Password sent to the server"
	if a.RunType == config.RunServer {
		desc = "Accepted passwords, comma separated"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Password").
				Description(desc).
				Value(&passwords).
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if len(parsePasswords(s)) == 0 {
						return fmt.Errorf("at least one password is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.Passwords = parsePasswords(passwords)
	if a.RunType != config.RunServer {
		a.Passwords = a.Passwords[:1]
	}
	return nil
}

func (w *Wizard) askServerTLS(a *answers, baseDir string) error {
	a.CertsDir = filepath.Join(baseDir, "certs")
	var choice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("The server needs a certificate and private key."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a new self-signed certificate (Recommended for testing)", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&choice),

			huh.NewInput().
				Title("Certificates Directory").
				Description("Where to store/find certificate files").
				Placeholder(a.CertsDir).
				Value(&a.CertsDir),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if choice == "existing" {
		return w.useExistingCertificates(a)
	}
	return w.generateCertificate(a)
}

func (w *Wizard) generateCertificate(a *answers) error {
	commonName := "localhost"
	validDays := 365

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Common Name").
				Description("Hostname clients use to reach this server").
				Placeholder("localhost").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cert, err := writeCertificate(a.CertsDir, commonName, time.Duration(validDays)*24*time.Hour)
	if err != nil {
		return err
	}
	a.Cert = filepath.Join(a.CertsDir, "server.crt")
	a.Key = filepath.Join(a.CertsDir, "server.key")

	fmt.Printf("\n✓ Generated server certificate: %s\n", a.Cert)
	fmt.Printf("  Fingerprint: %s\n\n", cert.Fingerprint())
	return nil
}

func (w *Wizard) useExistingCertificates(a *answers) error {
	a.Cert = filepath.Join(a.CertsDir, "server.crt")
	a.Key = filepath.Join(a.CertsDir, "server.key")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Placeholder(a.Cert).
				Value(&a.Cert).
				Validate(fileExists),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(a.Key).
				Value(&a.Key).
				Validate(fileExists),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askClientTLS(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("How the server certificate is checked."),

			huh.NewConfirm().
				Title("Verify the server certificate?").
				Description("Disable only for self-signed test servers").
				Value(&a.Verify),

			huh.NewInput().
				Title("CA Bundle (optional)").
				Description("PEM file with the CA that signed the server certificate").
				Value(&a.Cert).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return fileExists(s)
				}),

			huh.NewInput().
				Title("SNI (optional)").
				Description("Server name to send, defaults to the remote host").
				Value(&a.SNI),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	a.LogLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, reload)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns the answers into a configuration. baseDir holds the
// control socket when one is enabled.
func buildConfig(a *answers, baseDir string) *config.Config {
	cfg := config.Default()

	cfg.RunType = a.RunType
	cfg.LocalAddr = a.LocalAddr
	cfg.LocalPort = a.LocalPort
	cfg.RemoteAddr = a.RemoteAddr
	cfg.RemotePort = a.RemotePort
	cfg.TargetAddr = a.TargetAddr
	cfg.TargetPort = a.TargetPort
	cfg.Password = a.Passwords

	if a.LogLevel != "" {
		cfg.LogLevel = config.Level(a.LogLevel)
	}
	cfg.LogFormat = "text"

	cfg.SSL.Cert = a.Cert
	cfg.SSL.Key = a.Key
	if a.RunType == config.RunServer {
		cfg.SSL.ALPN = []string{"http/1.1"}
	} else {
		cfg.SSL.Verify = a.Verify
		cfg.SSL.VerifyHostname = a.Verify
		cfg.SSL.SNI = a.SNI
		cfg.SSL.ALPN = []string{"h2", "http/1.1"}
	}

	cfg.Health.Enabled = a.HealthEnabled
	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(baseDir, "trojan.sock")
	}

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# trojan-relay configuration
# Generated by setup wizard

`
	// Passwords are in the file.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// writeCertificate generates a self-signed server certificate for
// commonName and saves it as server.crt and server.key in dir.
func writeCertificate(dir, commonName string, validFor time.Duration) (*certutil.GeneratedCert, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certs directory: %w", err)
	}

	hosts := []string{"localhost", "127.0.0.1"}
	cert, err := certutil.GenerateServerCert(commonName, hosts, validFor, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("failed to save certificate: %w", err)
	}
	return cert, nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Run mode:     %s\n", cfg.RunType)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listening on: %s\n", cfg.LocalAddress())

	switch {
	case cfg.RunType != config.RunServer:
		fmt.Printf("  Remote:       %s\n", cfg.RemoteAddress())
	case cfg.RemoteAddr != "":
		fmt.Printf("  Fallback:     %s\n", cfg.RemoteAddress())
	}
	if cfg.RunType == config.RunForward {
		fmt.Printf("  Target:       %s\n", cfg.TargetAddress())
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    trojan-relay run -c %s\n", configPath)
	fmt.Println()
}

func defaultLocal(runType string) string {
	switch runType {
	case config.RunServer:
		return "0.0.0.0:443"
	case config.RunNAT:
		return "0.0.0.0:12345"
	}
	return "127.0.0.1:1080"
}

func validateHostPort(required bool) func(string) error {
	return func(s string) error {
		if s == "" {
			if required {
				return fmt.Errorf("address is required")
			}
			return nil
		}
		if _, _, err := splitHostPort(s); err != nil {
			return err
		}
		return nil
	}
}

func splitHostPort(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return "", 0, fmt.Errorf("invalid address format (use host:port)")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %s", portStr)
	}
	return host, uint16(port), nil
}

func parsePasswords(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func fileExists(s string) error {
	if _, err := os.Stat(s); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
