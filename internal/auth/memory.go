package auth

import (
	"context"
	"fmt"
	"sync"
)

// Source produces the current password list. Memory.Reload calls it.
type Source func(ctx context.Context) ([]string, error)

// Usage is the traffic recorded for one credential.
type Usage struct {
	Upload   uint64
	Download uint64
}

// Memory is an Authenticator backed by a set of passwords held in memory.
// Passwords are stored only as digests, mapped to a label for logging.
type Memory struct {
	mu      sync.RWMutex
	digests map[string]string
	usage   map[string]Usage
	source  Source
}

// NewMemory creates a Memory authenticator for passwords. source may be nil,
// in which case Reload keeps the current set.
func NewMemory(passwords []string, source Source) *Memory {
	m := &Memory{
		usage:  make(map[string]Usage),
		source: source,
	}
	m.digests = buildDigests(passwords)
	return m
}

func buildDigests(passwords []string) map[string]string {
	digests := make(map[string]string, len(passwords))
	for i, p := range passwords {
		digests[Digest(p)] = fmt.Sprintf("password[%d]", i)
	}
	return digests
}

// Authenticate reports whether digest belongs to a configured password.
func (m *Memory) Authenticate(_ context.Context, digest string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.digests[digest]
	return ok, nil
}

// Label returns the label of the password behind digest.
func (m *Memory) Label(digest string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	label, ok := m.digests[digest]
	return label, ok
}

// RecordUsage accumulates traffic for digest.
func (m *Memory) RecordUsage(_ context.Context, digest string, upload, download uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage[digest]
	u.Upload += upload
	u.Download += download
	m.usage[digest] = u
	return nil
}

// Usage returns the traffic recorded for digest since startup.
func (m *Memory) Usage(digest string) Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[digest]
}

// Len returns the number of known credentials.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.digests)
}

// Reload replaces the credential set with the one returned by the source.
// Usage counters survive a reload.
func (m *Memory) Reload(ctx context.Context) error {
	if m.source == nil {
		return nil
	}

	passwords, err := m.source(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload credentials: %w", err)
	}
	if len(passwords) == 0 {
		return fmt.Errorf("failed to reload credentials: source returned no passwords")
	}

	digests := buildDigests(passwords)

	m.mu.Lock()
	m.digests = digests
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
