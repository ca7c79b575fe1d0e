package ws

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"

	"github.com/gigline/jobchat/internal/stats"
	"github.com/gigline/jobchat/internal/testutil"
	"github.com/gigline/jobchat/internal/types"
)

// newTestSession builds a session without a live socket. queueMessage
// and the registry/room paths work against it; the pumps are never
// started.
func newTestSession(t *testing.T, userId string) *Session {
	s := &Session{
		ConnectionId: "conn-" + userId,
		log:          testutil.TestLogger(t),
		send:         make(chan *ServerMessage, sendQueueSize),
		stop:         make(chan struct{}),
		rooms:        make(map[string]struct{}),
	}
	s.touch()

	if userId != "" {
		s.markAuthenticated(types.User{Id: userId, Username: userId, IsActive: true})
	}

	return s
}

// trackConn puts s in the gateway's connection table the way an
// accepted socket would be, keyed by a placeholder conn, so the
// liveness sweep and shutdown paths see it.
func trackConn(g *Gateway, s *Session) {
	g.registry.mu.Lock()
	defer g.registry.mu.Unlock()

	g.registry.byConn[&websocket.Conn{}] = s
}

// nextMessage pops the next queued envelope, or nil if none is waiting.
func nextMessage(s *Session) *ServerMessage {
	select {
	case msg := <-s.send:
		return msg
	default:
		return nil
	}
}

// requireMessage pops the next queued envelope and fails the test if
// none arrives promptly.
func requireMessage(t *testing.T, s *Session) *ServerMessage {
	t.Helper()

	select {
	case msg := <-s.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a queued message")
		return nil
	}
}

// newMockStats returns a stats mock that tolerates any metric traffic.
// Tests asserting specific counters set their own expectations instead.
func newMockStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	su.On("Run").Maybe()
	return su
}
