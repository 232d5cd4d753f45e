package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/trojan-relay/internal/auth"
	"github.com/postalsys/trojan-relay/internal/certutil"
	"github.com/postalsys/trojan-relay/internal/config"
	"github.com/postalsys/trojan-relay/internal/control"
	"github.com/postalsys/trojan-relay/internal/probe"
	"github.com/postalsys/trojan-relay/internal/transport"
	"github.com/postalsys/trojan-relay/internal/wizard"
)

// controlTimeout bounds control socket requests made by CLI commands.
const controlTimeout = 45 * time.Second

func testCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Validate a configuration file",
		Long:  "Parse and validate the configuration file, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			for _, w := range cfg.Warnings() {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			if cfg.RunType == config.RunServer {
				problems, err := certutil.CheckServerCert(cfg.SSL.Cert, []string{cfg.SSL.SNI})
				if err != nil {
					return err
				}
				for _, p := range problems {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", cfg.SSL.Cert, p)
				}
			}

			fmt.Printf("Configuration %s is valid (run_type: %s)\n\n", configPath, cfg.RunType)
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard to create a configuration file and, for servers, a certificate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [password]",
		Short: "Print the credential digest of a password",
		Long: `Print the SHA-224 digest that identifies a password on the wire and in
the usage ledger. Without an argument the password is read from the
terminal without echo, or from the first line of standard input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				p, err := readPassword()
				if err != nil {
					return err
				}
				password = p
			}
			if password == "" {
				return fmt.Errorf("password is empty")
			}

			fmt.Println(auth.Digest(password))
			return nil
		},
	}
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate tools",
	}
	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certGenerateCmd())
	cmd.AddCommand(certInfoCmd())
	return cmd
}

func certCACmd() *cobra.Command {
	var (
		commonName string
		days       int
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a certificate authority",
		Long: `Generate a CA for signing server certificates. Clients then pin the CA
with ssl.cert instead of disabling verification.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}

			ca, err := certutil.GenerateCA(commonName, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}

			certPath := filepath.Join(outDir, "ca.crt")
			keyPath := filepath.Join(outDir, "ca.key")
			if err := ca.SaveToFiles(certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("CA certificate: %s\n", certPath)
			fmt.Printf("CA key:         %s\n", keyPath)
			fmt.Printf("Fingerprint:    %s\n", ca.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "trojan-relay CA", "CA common name")
	cmd.Flags().IntVar(&days, "days", 3650, "Validity in days")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")

	return cmd
}

func certGenerateCmd() *cobra.Command {
	var (
		commonName string
		hosts      []string
		days       int
		outDir     string
		caCert     string
		caKey      string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a server certificate",
		Long:  "Generate a server certificate and key, self-signed or signed by an existing CA.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}

			var ca *certutil.GeneratedCert
			if caCert != "" || caKey != "" {
				loaded, err := certutil.LoadCert(caCert, caKey)
				if err != nil {
					return fmt.Errorf("failed to load CA: %w", err)
				}
				ca = loaded
			}

			validFor := time.Duration(days) * 24 * time.Hour
			cert, err := certutil.GenerateServerCert(commonName, hosts, validFor, ca)
			if err != nil {
				return err
			}

			certPath := filepath.Join(outDir, "server.crt")
			keyPath := filepath.Join(outDir, "server.key")
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Private key: %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("Expires:     %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Certificate common name")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Additional DNS names or IP addresses")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "CA certificate to sign with")
	cmd.Flags().StringVar(&caKey, "ca-key", "", "CA private key to sign with")
	cmd.MarkFlagsRequiredTogether("ca-cert", "ca-key")

	return cmd
}

func certInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <cert-file>",
		Short: "Show certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.GetCertInfoFromFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Subject:      %s\n", info.Subject)
			fmt.Printf("Issuer:       %s\n", info.Issuer)
			fmt.Printf("Serial:       %s\n", info.SerialNumber)
			fmt.Printf("Not before:   %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Not after:    %s (%s)\n", info.NotAfter.Format(time.RFC3339), humanize.Time(info.NotAfter))
			fmt.Printf("Fingerprint:  %s\n", info.Fingerprint)
			if len(info.DNSNames) > 0 {
				fmt.Printf("DNS names:    %s\n", strings.Join(info.DNSNames, ", "))
			}
			if len(info.IPAddresses) > 0 {
				fmt.Printf("IP addresses: %s\n", strings.Join(info.IPAddresses, ", "))
			}
			if info.IsCA {
				fmt.Println("CA:           yes")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the status of a running relay through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query %s: %w", socketPath, err)
			}

			state := "stopped"
			if status.Running {
				state = "running"
			}
			fmt.Printf("Status:          %s\n", state)
			fmt.Printf("Mode:            %s\n", status.Mode)
			fmt.Printf("Listening on:    %s\n", status.ListenAddress)
			fmt.Printf("Uptime:          %s\n", humanizeUptime(status.UptimeSeconds))
			fmt.Printf("Active sessions: %s\n", humanize.Comma(int64(status.ActiveSessions)))
			if status.UDPSessions > 0 {
				fmt.Printf("UDP sessions:    %s\n", humanize.Comma(int64(status.UDPSessions)))
			}
			if status.Credentials > 0 {
				fmt.Printf("Credentials:     %d\n", status.Credentials)
			}
			if node := status.Node; node != nil {
				fmt.Printf("Version:         %s (%s, %s/%s)\n", node.Version, node.GoVersion, node.OS, node.Arch)
				fmt.Printf("Host:            %s (pid %d)\n", node.Hostname, node.PID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./trojan.sock", "Path to control socket")

	return cmd
}

func reloadCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:       "reload {cert|auth}",
		Short:     "Reload certificate or credentials",
		Long:      "Ask a running relay to re-read its certificate or refresh its credentials.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"cert", "auth"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			var err error
			switch args[0] {
			case "cert":
				err = client.ReloadCert(ctx)
			case "auth":
				err = client.ReloadAuth(ctx)
			default:
				return fmt.Errorf("unknown reload target %q (use cert or auth)", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("Reloaded %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./trojan.sock", "Path to control socket")

	return cmd
}

func probeCmd() *cobra.Command {
	var (
		configPath string
		target     string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the server accepts tunnels",
		Long: `Open one tunnel to the configured server with the first configured
password, request the target and wait for the first response bytes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.RunType == config.RunServer {
				return fmt.Errorf("probe needs a client configuration, got run_type %s", cfg.RunType)
			}
			if len(cfg.Password) == 0 {
				return fmt.Errorf("no password configured")
			}

			dialer := transport.NewDialer(transport.TCPOptionsFromConfig(cfg.TCP))
			tlsDialer, err := transport.NewClientTLS(cfg.SSL, cfg.RemoteAddr, dialer)
			if err != nil {
				return err
			}

			result := probe.Probe(cmd.Context(), probe.Options{
				Dialer:   tlsDialer,
				Address:  cfg.RemoteAddress(),
				Password: cfg.Password[0],
				Target:   target,
				Timeout:  timeout,
			})

			fmt.Printf("Server:    %s\n", result.Address)
			fmt.Printf("Target:    %s\n", result.Target)
			if result.TLSVersion != "" {
				fmt.Printf("TLS:       %s", result.TLSVersion)
				if result.ALPN != "" {
					fmt.Printf(" (%s)", result.ALPN)
				}
				fmt.Println()
				fmt.Printf("Handshake: %s\n", result.HandshakeRTT.Round(time.Millisecond))
			}
			if !result.Success {
				return fmt.Errorf("probe failed: %s", result.ErrorDetail)
			}

			fmt.Printf("First byte: %s\n", result.RTT.Round(time.Millisecond))
			if line := result.StatusLine(); line != "" {
				fmt.Printf("Response:  %s\n", line)
			} else {
				fmt.Printf("Response:  %s\n", humanize.Bytes(uint64(len(result.Response))))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&target, "target", "t", probe.DefaultTarget, "host:port to request through the tunnel")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")

	return cmd
}

func humanizeUptime(seconds int64) string {
	if seconds <= 0 {
		return "-"
	}
	return strings.TrimSuffix(humanize.RelTime(time.Now().Add(-time.Duration(seconds)*time.Second), time.Now(), "", ""), " ")
}
