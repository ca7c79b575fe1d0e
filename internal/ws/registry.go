package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Registry owns the two session maps: identity -> session and
// socket -> session. Every mutation happens under one mutex, so two
// connections authenticating or disconnecting concurrently serialize
// here.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]*Session
	byConn map[*websocket.Conn]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Session),
		byConn: make(map[*websocket.Conn]*Session),
	}
}

// Add tracks a freshly accepted, not yet authenticated session. It
// refuses the session when limit connections are already tracked; a
// limit of zero means no cap.
func (r *Registry) Add(s *Session, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.byConn) >= limit {
		return false
	}

	r.byConn[s.conn] = s
	return true
}

// Activate binds an authenticated session to its identity and returns
// the session it displaced, if any. The caller is responsible for
// closing the displaced session; exactly one session per identity is
// registered at any time.
func (r *Registry) Activate(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := r.byUser[s.user.Id]
	if displaced == s {
		displaced = nil
	}
	r.byUser[s.user.Id] = s

	return displaced
}

// Remove deregisters a session from both maps. It is idempotent and
// only clears the identity entry if it still points at s, so removing
// a displaced session never unbinds its replacement. The return value
// reports whether the identity mapping was cleared.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.conn != nil {
		delete(r.byConn, s.conn)
	}

	if current, ok := r.byUser[s.user.Id]; ok && current == s {
		delete(r.byUser, s.user.Id)
		return true
	}

	return false
}

func (r *Registry) User(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUser[id]
	return s, ok
}

// ConnectedUsers is the number of authenticated identities online.
func (r *Registry) ConnectedUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byUser)
}

// TotalConnections counts every tracked socket, authenticated or not.
func (r *Registry) TotalConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byConn)
}

// Sessions snapshots all tracked sessions for iteration outside the
// lock (liveness sweep, global broadcast).
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		sessions = append(sessions, s)
	}

	return sessions
}
