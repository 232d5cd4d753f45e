package service

import (
	"sync"

	"github.com/postalsys/trojan-relay/internal/session"
)

// tracker holds the live TCP sessions of a service so Stop can close them.
type tracker struct {
	mu       sync.Mutex
	sessions map[session.Session]struct{}
	closed   bool
}

func newTracker() *tracker {
	return &tracker{sessions: make(map[session.Session]struct{})}
}

// add registers sess. It reports false once closeAll has run.
func (t *tracker) add(sess session.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.sessions[sess] = struct{}{}
	return true
}

func (t *tracker) remove(sess session.Session) {
	t.mu.Lock()
	delete(t.sessions, sess)
	t.mu.Unlock()
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// closeAll closes every tracked session and refuses new ones.
func (t *tracker) closeAll() {
	t.mu.Lock()
	t.closed = true
	sessions := make([]session.Session, 0, len(t.sessions))
	for sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
