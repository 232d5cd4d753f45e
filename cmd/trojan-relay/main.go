// Package main provides the CLI entry point for trojan-relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/trojan-relay/internal/config"
	"github.com/postalsys/trojan-relay/internal/control"
	"github.com/postalsys/trojan-relay/internal/health"
	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/metrics"
	"github.com/postalsys/trojan-relay/internal/service"
	"github.com/postalsys/trojan-relay/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trojan-relay",
		Short: "trojan-relay - TLS tunneling proxy",
		Long: `trojan-relay relays TCP and UDP traffic through TLS tunnels that
look like ordinary HTTPS to an observer.

Run it as a server that terminates tunnels, as a local SOCKS5 client,
as a fixed port forwarder, or as a transparent NAT proxy on Linux.`,
		Version:       sysinfo.FullVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long: `Start the relay with the specified configuration.

Without --config, a SIP003 plugin environment (SS_PLUGIN_OPTIONS) is used
when present. SIGHUP restarts the relay with a freshly loaded configuration
and SIGUSR1 reloads the server certificate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := cmd.Flags().Changed("config")
			for {
				cfg, source, err := loadConfig(configPath, explicit)
				if err != nil {
					return err
				}

				logger := logging.NewLogger(string(cfg.LogLevel), cfg.LogFormat)
				for _, w := range cfg.Warnings() {
					logger.Warn(w)
				}

				restart, err := serve(cfg, source, logger)
				if err != nil {
					return err
				}
				if !restart {
					return nil
				}
				logger.Info("restarting")
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// loadConfig reads the configuration file, or the SIP003 environment when no
// file was named explicitly. It also returns the password source used for
// credential reloads, which is nil for SIP003.
func loadConfig(path string, explicit bool) (*config.Config, func(context.Context) ([]string, error), error) {
	if !explicit {
		cfg, ok, err := config.LoadSIP003()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load SIP003 config: %w", err)
		}
		if ok {
			return cfg, nil, nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	source := func(context.Context) ([]string, error) {
		c, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		return c.Password, nil
	}
	return cfg, source, nil
}

// serve runs one service until a signal arrives. It reports whether the
// caller should start over with a reloaded configuration.
func serve(cfg *config.Config, source func(context.Context) ([]string, error), logger *slog.Logger) (bool, error) {
	svc, err := service.New(service.Options{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics.Default(),
		PasswordSource: source,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create service: %w", err)
	}

	if err := svc.Start(); err != nil {
		return false, fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Stop()

	if cfg.Health.Enabled {
		hs := health.NewServer(health.ServerConfigFrom(cfg.Health), svc)
		if err := hs.Start(); err != nil {
			return false, fmt.Errorf("failed to start health server: %w", err)
		}
		defer hs.Stop()
		logger.Info("health server started", slog.String("address", cfg.Health.Address))
	}

	if cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = cfg.Control.SocketPath
		cs := control.NewServer(ccfg, svc, logger)
		if err := cs.Start(); err != nil {
			return false, fmt.Errorf("failed to start control socket: %w", err)
		}
		defer cs.Stop()
		logger.Info("control socket started", slog.String("path", ccfg.SocketPath))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, platformSignals()...)...)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		switch {
		case isRestartSignal(sig):
			logger.Info("received signal, restarting", slog.String("signal", sig.String()))
			return true, nil
		case isCertReloadSignal(sig):
			if err := svc.ReloadCert(); err != nil {
				logger.Error("certificate reload failed", slog.String(logging.KeyError, err.Error()))
			}
		default:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			return false, nil
		}
	}
	return false, nil
}
