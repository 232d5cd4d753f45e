package udp

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockAssociation records datagrams and can be destroyed or rebound.
type mockAssociation struct {
	mu       sync.Mutex
	endpoint netip.AddrPort
	got      [][]byte
	dead     atomic.Bool
	closed   atomic.Int32
}

func newMockAssociation(ep netip.AddrPort) *mockAssociation {
	return &mockAssociation{endpoint: ep}
}

func (m *mockAssociation) Process(ep netip.AddrPort, data []byte) bool {
	if m.dead.Load() || ep != m.endpoint {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, append([]byte(nil), data...))
	return true
}

func (m *mockAssociation) Alive() bool { return !m.dead.Load() }

func (m *mockAssociation) Close() error {
	m.dead.Store(true)
	m.closed.Add(1)
	return nil
}

func (m *mockAssociation) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

// recordingFactory remembers every association it creates.
type recordingFactory struct {
	mu      sync.Mutex
	created []*mockAssociation
	err     error
}

func (f *recordingFactory) create(ep netip.AddrPort) (Association, error) {
	if f.err != nil {
		return nil, f.err
	}
	a := newMockAssociation(ep)
	f.mu.Lock()
	f.created = append(f.created, a)
	f.mu.Unlock()
	return a, nil
}

func (f *recordingFactory) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

var (
	clientA = netip.MustParseAddrPort("127.0.0.1:40001")
	clientB = netip.MustParseAddrPort("127.0.0.1:40002")
	clientC = netip.MustParseAddrPort("[::1]:40003")
)

func TestTable_DispatchCreatesOnce(t *testing.T) {
	tbl := NewTable(Config{MaxSessions: 10}, nil)
	defer tbl.Close()
	f := &recordingFactory{}

	created, err := tbl.Dispatch(clientA, []byte("one"), f.create)
	if err != nil || !created {
		t.Fatalf("first Dispatch() = %v, %v; want created", created, err)
	}
	for i := 0; i < 5; i++ {
		created, err = tbl.Dispatch(clientA, []byte("more"), f.create)
		if err != nil || created {
			t.Fatalf("Dispatch() = %v, %v; want reuse", created, err)
		}
	}

	if f.len() != 1 {
		t.Fatalf("factory called %d times, want 1", f.len())
	}
	if got := f.created[0].count(); got != 6 {
		t.Errorf("association received %d datagrams, want 6", got)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestTable_OneLiveSessionPerEndpointUnderBurst(t *testing.T) {
	tbl := NewTable(Config{MaxSessions: 100}, nil)
	defer tbl.Close()
	f := &recordingFactory{}

	var wg sync.WaitGroup
	for _, ep := range []netip.AddrPort{clientA, clientB, clientC} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(ep netip.AddrPort) {
				defer wg.Done()
				if _, err := tbl.Dispatch(ep, []byte("x"), f.create); err != nil {
					t.Errorf("Dispatch() error = %v", err)
				}
			}(ep)
		}
	}
	wg.Wait()

	if f.len() != 3 {
		t.Errorf("factory called %d times, want 3", f.len())
	}
	total := 0
	for _, a := range f.created {
		total += a.count()
	}
	if total != 150 {
		t.Errorf("datagrams delivered = %d, want 150", total)
	}
}

func TestTable_ReplacesDestroyedAssociation(t *testing.T) {
	tbl := NewTable(Config{}, nil)
	defer tbl.Close()
	f := &recordingFactory{}

	tbl.Dispatch(clientA, []byte("a"), f.create)
	f.created[0].Close()

	if _, ok := tbl.Lookup(clientA); ok {
		t.Error("Lookup() found a destroyed association")
	}

	created, err := tbl.Dispatch(clientA, []byte("b"), f.create)
	if err != nil || !created {
		t.Fatalf("Dispatch() after destroy = %v, %v; want new association", created, err)
	}
	if f.len() != 2 {
		t.Fatalf("factory called %d times, want 2", f.len())
	}
	if f.created[1].count() != 1 {
		t.Error("replacement did not receive the datagram")
	}
	if a, ok := tbl.Lookup(clientA); !ok || a != Association(f.created[1]) {
		t.Error("Lookup() does not return the replacement")
	}
}

func TestTable_ReplacesWhenProcessRefuses(t *testing.T) {
	tbl := NewTable(Config{}, nil)
	defer tbl.Close()

	stale := newMockAssociation(clientB)
	f := &recordingFactory{}
	tbl.Dispatch(clientA, []byte("a"), func(netip.AddrPort) (Association, error) { return stale, nil })

	created, err := tbl.Dispatch(clientA, []byte("b"), f.create)
	if err != nil || !created {
		t.Fatalf("Dispatch() = %v, %v; want replacement", created, err)
	}
	if f.created[0].count() != 1 {
		t.Error("replacement did not receive the datagram")
	}
}

func TestTable_Full(t *testing.T) {
	tbl := NewTable(Config{MaxSessions: 2}, nil)
	defer tbl.Close()
	f := &recordingFactory{}

	tbl.Dispatch(clientA, nil, f.create)
	tbl.Dispatch(clientB, nil, f.create)

	if _, err := tbl.Dispatch(clientC, nil, f.create); !errors.Is(err, ErrTableFull) {
		t.Fatalf("Dispatch() error = %v, want ErrTableFull", err)
	}

	// Existing endpoints keep working at capacity.
	if _, err := tbl.Dispatch(clientA, []byte("still"), f.create); err != nil {
		t.Errorf("Dispatch() to existing endpoint error = %v", err)
	}

	// A destroyed entry frees its slot.
	f.created[1].Close()
	created, err := tbl.Dispatch(clientC, nil, f.create)
	if err != nil || !created {
		t.Errorf("Dispatch() after free slot = %v, %v", created, err)
	}
}

func TestTable_FactoryError(t *testing.T) {
	tbl := NewTable(Config{}, nil)
	defer tbl.Close()

	boom := errors.New("boom")
	f := &recordingFactory{err: boom}
	if _, err := tbl.Dispatch(clientA, nil, f.create); !errors.Is(err, boom) {
		t.Errorf("Dispatch() error = %v, want %v", err, boom)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestTable_SweepPrunesDestroyed(t *testing.T) {
	tbl := NewTable(Config{SweepInterval: 10 * time.Millisecond}, nil)
	defer tbl.Close()
	f := &recordingFactory{}

	tbl.Dispatch(clientA, nil, f.create)
	tbl.Dispatch(clientB, nil, f.create)
	f.created[0].Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tbl.mu.Lock()
		n := len(tbl.entries)
		tbl.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep left %d entries, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTable_Close(t *testing.T) {
	tbl := NewTable(Config{SweepInterval: time.Hour}, nil)
	f := &recordingFactory{}

	tbl.Dispatch(clientA, nil, f.create)
	tbl.Dispatch(clientB, nil, f.create)
	tbl.Close()
	tbl.Close()

	for i, a := range f.created {
		if a.closed.Load() != 1 {
			t.Errorf("association %d closed %d times, want 1", i, a.closed.Load())
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", tbl.Len())
	}
}
