package udp

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/trojan-relay/internal/logging"
	"github.com/postalsys/trojan-relay/internal/recovery"
)

// ErrTableFull is returned by Dispatch when a new association would exceed
// MaxSessions. The datagram is dropped.
var ErrTableFull = errors.New("udp session table full")

// Association is a UDP flow keyed by its client endpoint.
type Association interface {
	// Process hands a datagram from endpoint to the association. It reports
	// false when the association is destroyed or bound to another endpoint;
	// the caller then replaces it. A datagram dropped because the
	// association's queue is full still reports true.
	Process(endpoint netip.AddrPort, data []byte) bool

	// Alive reports whether the association has not been destroyed.
	Alive() bool

	// Close destroys the association.
	Close() error
}

// Factory creates the association for the first datagram seen from
// endpoint. It must not block on network I/O.
type Factory func(endpoint netip.AddrPort) (Association, error)

// Table maps client endpoints to associations.
type Table struct {
	mu      sync.Mutex
	entries map[netip.AddrPort]Association

	config Config
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTable creates a table and starts its sweep loop when configured.
func NewTable(cfg Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = logging.NopLogger()
	}

	t := &Table{
		entries: make(map[netip.AddrPort]Association),
		config:  cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "udp")),
		stop:    make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		t.wg.Add(1)
		go t.cleanupLoop()
	}

	return t
}

// Dispatch delivers data from endpoint to its live association, creating one
// with create when there is none or the existing one refuses the datagram.
// It reports whether a new association was created.
func (t *Table) Dispatch(endpoint netip.AddrPort, data []byte, create Factory) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.entries[endpoint]; ok {
		if a.Alive() && a.Process(endpoint, data) {
			return false, nil
		}
		delete(t.entries, endpoint)
	}

	if t.config.MaxSessions > 0 && len(t.entries) >= t.config.MaxSessions {
		t.pruneLocked()
		if len(t.entries) >= t.config.MaxSessions {
			return false, ErrTableFull
		}
	}

	a, err := create(endpoint)
	if err != nil {
		return false, err
	}
	t.entries[endpoint] = a
	a.Process(endpoint, data)
	return true, nil
}

// Lookup returns the live association for endpoint.
func (t *Table) Lookup(endpoint netip.AddrPort) (Association, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.entries[endpoint]
	if !ok {
		return nil, false
	}
	if !a.Alive() {
		delete(t.entries, endpoint)
		return nil, false
	}
	return a, true
}

// Len returns the number of live associations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()
	return len(t.entries)
}

// Close stops the sweep and destroys every association.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()

	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[netip.AddrPort]Association)
	t.mu.Unlock()

	for _, a := range entries {
		a.Close()
	}
}

func (t *Table) pruneLocked() int {
	removed := 0
	for ep, a := range t.entries {
		if !a.Alive() {
			delete(t.entries, ep)
			removed++
		}
	}
	return removed
}

// cleanupLoop periodically prunes destroyed associations.
func (t *Table) cleanupLoop() {
	defer t.wg.Done()
	defer recovery.RecoverWithLog(t.logger, "udp.Table.cleanupLoop")

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			n := t.pruneLocked()
			t.mu.Unlock()
			if n > 0 {
				t.logger.Debug("pruned udp sessions", slog.Int("count", n))
			}
		}
	}
}
