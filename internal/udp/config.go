package udp

import (
	"time"

	"github.com/postalsys/trojan-relay/internal/config"
)

// Config holds table limits.
type Config struct {
	// MaxSessions limits concurrent live associations. 0 means unlimited.
	MaxSessions int

	// SweepInterval is how often destroyed associations are pruned.
	// 0 disables the sweep; pruning then only happens on lookup.
	SweepInterval time.Duration

	// MaxDatagramSize is the read buffer size for the shared socket.
	MaxDatagramSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:     1024,
		SweepInterval:   30 * time.Second,
		MaxDatagramSize: 65507,
	}
}

// ConfigFrom derives table limits from the service configuration. The sweep
// runs at half the idle timeout so dead entries never outlive it by much.
func ConfigFrom(c *config.Config) Config {
	cfg := DefaultConfig()
	cfg.MaxSessions = c.UDPMaxSessions
	if idle := c.UDPIdleTimeout(); idle > 0 {
		cfg.SweepInterval = idle / 2
	}
	return cfg
}
