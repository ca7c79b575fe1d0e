package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/gigline/jobchat/internal/auth"
	"github.com/gigline/jobchat/internal/store"
	"github.com/gigline/jobchat/internal/testutil"
)

func newTestGateway(t *testing.T, repo *store.MockRepository, opts Options) *Gateway {
	if opts.Timings.PingInterval == 0 {
		opts.Timings = DefaultTimings()
	}
	return NewGateway(testutil.TestLogger(t), repo, newMockStats(), opts)
}

func expectAuthSuccess(repo *store.MockRepository, userId string, contacts ...string) {
	repo.On("GetUser", userId).Return(store.User{
		Id:       userId,
		Username: userId,
		IsActive: true,
	}, nil).Once()
	repo.On("GetPendingMessages", userId).Return([]store.Message{}, nil).Once()
	repo.On("GetContacts", userId).Return(contacts, nil).Once()
}

func TestDispatchRequiresAuthentication(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{"type":"join_room","jobId":"job-42"}`))

	msg := requireMessage(t, s)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "authentication required", msg.Error)
	assert.NotEqual(t, stateClosed, s.currentState(), "expected the connection to stay open")
}

func TestDispatchMalformedMessage(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{not json`))

	msg := requireMessage(t, s)
	assert.Equal(t, TypeError, msg.Type)
	assert.NotEqual(t, stateClosed, s.currentState(), "expected malformed data to be tolerated")
}

func TestDispatchHeartbeat(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	s := newTestSession(t, "user-1")
	s.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())
	before := s.LastSeen()

	g.dispatch(s, []byte(`{"type":"heartbeat"}`))

	msg := requireMessage(t, s)
	assert.Equal(t, TypeHeartbeatAck, msg.Type)
	assert.True(t, s.LastSeen().After(before), "expected heartbeat to refresh lastSeen")
}

func TestAuthenticateSuccess(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	expectAuthSuccess(repo, "user-1")

	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))

	msg := requireMessage(t, s)
	assert.Equal(t, TypeAuthenticated, msg.Type)
	assert.Equal(t, "user-1", msg.UserId)
	assert.Equal(t, 1, msg.ConnectedUsers)
	assert.True(t, s.isAuthenticated())

	registered, ok := g.registry.User("user-1")
	assert.True(t, ok)
	assert.Same(t, s, registered)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	repo.On("GetUser", "ghost").Return(store.User{}, store.ErrNotFound).Once()

	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{"type":"authenticate","userId":"ghost"}`))

	msg := requireMessage(t, s)
	assert.Equal(t, TypeAuthError, msg.Type)
	assert.Equal(t, stateClosed, s.currentState(), "expected the connection to be closed")
}

func TestAuthenticateInactiveUser(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	repo.On("GetUser", "user-1").Return(store.User{
		Id:       "user-1",
		IsActive: false,
	}, nil).Once()

	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))

	msg := requireMessage(t, s)
	assert.Equal(t, TypeAuthError, msg.Type)
	assert.Equal(t, stateClosed, s.currentState())
}

func TestAuthenticateReplacesPreviousSession(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	expectAuthSuccess(repo, "user-1")
	first := newTestSession(t, "")
	g.dispatch(first, []byte(`{"type":"authenticate","userId":"user-1"}`))
	requireMessage(t, first)

	expectAuthSuccess(repo, "user-1")
	second := newTestSession(t, "")
	g.dispatch(second, []byte(`{"type":"authenticate","userId":"user-1"}`))

	assert.Equal(t, stateClosed, first.currentState(), "expected the first session to be closed")
	assert.True(t, second.isAuthenticated())

	registered, ok := g.registry.User("user-1")
	assert.True(t, ok)
	assert.Same(t, second, registered)
	assert.Equal(t, 1, g.registry.ConnectedUsers())
}

func TestAuthenticateWithConnectToken(t *testing.T) {
	signingKey := []byte("test-signing-key")

	t.Run("valid token", func(t *testing.T) {
		repo := &store.MockRepository{}
		defer repo.AssertExpectations(t)
		g := newTestGateway(t, repo, Options{SigningKey: signingKey})

		expectAuthSuccess(repo, "user-1")

		token, err := auth.CreateConnectToken(signingKey, "user-1", time.Minute)
		assert.NoError(t, err)

		s := newTestSession(t, "")
		g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1","token":"`+token+`"}`))

		msg := requireMessage(t, s)
		assert.Equal(t, TypeAuthenticated, msg.Type)
	})

	t.Run("missing token", func(t *testing.T) {
		repo := &store.MockRepository{}
		defer repo.AssertExpectations(t)
		g := newTestGateway(t, repo, Options{SigningKey: signingKey})

		s := newTestSession(t, "")
		g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))

		msg := requireMessage(t, s)
		assert.Equal(t, TypeAuthError, msg.Type)
		assert.Equal(t, stateClosed, s.currentState())
	})

	t.Run("token for a different user", func(t *testing.T) {
		repo := &store.MockRepository{}
		defer repo.AssertExpectations(t)
		g := newTestGateway(t, repo, Options{SigningKey: signingKey})

		token, err := auth.CreateConnectToken(signingKey, "user-2", time.Minute)
		assert.NoError(t, err)

		s := newTestSession(t, "")
		g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1","token":"`+token+`"}`))

		msg := requireMessage(t, s)
		assert.Equal(t, TypeAuthError, msg.Type)
	})
}

// A directory lookup that outlasts the auth deadline must not bring
// the session back: the deadline closed it, so the late authentication
// aborts without registering or draining pending messages.
func TestAuthDeadlineDuringUserLookup(t *testing.T) {
	repo := &store.MockRepository{}
	timings := DefaultTimings()
	timings.AuthDeadline = 50 * time.Millisecond
	g := newTestGateway(t, repo, Options{Timings: timings})

	repo.On("GetUser", "user-1").Run(func(mock.Arguments) {
		time.Sleep(4 * timings.AuthDeadline)
	}).Return(store.User{
		Id:       "user-1",
		Username: "user-1",
		IsActive: true,
	}, nil).Once()
	repo.On("GetPendingMessages", "user-1").Return([]store.Message{
		{Id: 7, SenderId: "user-2", RecipientId: "user-1", Content: "hello"},
	}, nil).Maybe()
	repo.On("MarkMessageDelivered", int64(7)).Return(true, nil).Maybe()
	repo.On("GetContacts", "user-1").Return(nil, nil).Maybe()

	s := newTestSession(t, "")
	g.armAuthDeadline(s)
	g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))

	assert.Equal(t, stateClosed, s.currentState(), "expected the deadline to win the race")
	assert.Nil(t, nextMessage(s), "expected no authenticated reply on a closed session")

	_, ok := g.registry.User("user-1")
	assert.False(t, ok, "expected the dead session to stay unregistered")
	assert.Equal(t, 0, g.registry.ConnectedUsers())

	repo.AssertNotCalled(t, "GetPendingMessages", "user-1")
	repo.AssertNotCalled(t, "MarkMessageDelivered", int64(7))
}

// After N concurrent authentication attempts for one identity resolve,
// exactly one session is registered and open; all others are closed.
func TestConcurrentAuthenticationSingleSession(t *testing.T) {
	repo := &store.MockRepository{}
	g := newTestGateway(t, repo, Options{})

	repo.On("GetUser", "user-1").Return(store.User{
		Id:       "user-1",
		Username: "user-1",
		IsActive: true,
	}, nil)
	repo.On("GetPendingMessages", "user-1").Return([]store.Message{}, nil)
	repo.On("GetContacts", "user-1").Return(nil, nil)

	const attempts = 25
	sessions := make([]*Session, attempts)
	var wg sync.WaitGroup
	for i := range sessions {
		s := newTestSession(t, "")
		sessions[i] = s
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))
		}()
	}
	wg.Wait()

	registered, ok := g.registry.User("user-1")
	assert.True(t, ok, "expected a session to remain registered")
	assert.Equal(t, 1, g.registry.ConnectedUsers())

	open := 0
	for _, s := range sessions {
		if s.currentState() != stateClosed {
			open++
			assert.Same(t, registered, s, "expected the surviving session to be the registered one")
		}
	}
	assert.Equal(t, 1, open, "expected every displaced session to be closed")
}

func TestAuthenticateDeliversPendingAndPresence(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	// a contact already online
	expectAuthSuccess(repo, "user-2")
	contact := newTestSession(t, "")
	g.dispatch(contact, []byte(`{"type":"authenticate","userId":"user-2"}`))
	requireMessage(t, contact)

	repo.On("GetUser", "user-1").Return(store.User{
		Id: "user-1", Username: "user-1", IsActive: true,
	}, nil).Once()
	repo.On("GetPendingMessages", "user-1").Return([]store.Message{
		{Id: 3, SenderId: "user-2", RecipientId: "user-1", Content: "hello", CreatedAt: time.Now().UTC()},
	}, nil).Once()
	repo.On("MarkMessageDelivered", int64(3)).Return(true, nil).Once()
	repo.On("GetContacts", "user-1").Return([]string{"user-2"}, nil).Once()

	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))

	authed := requireMessage(t, s)
	assert.Equal(t, TypeAuthenticated, authed.Type)

	pending := requireMessage(t, s)
	assert.Equal(t, TypeNewMessage, pending.Type)
	assert.Equal(t, "hello", pending.Content)

	notice := requireMessage(t, contact)
	assert.Equal(t, TypeUserStatusChange, notice.Type)
	assert.Equal(t, "user-1", notice.UserId)
	assert.Equal(t, StatusOnline, notice.Status)
}

func TestTeardownCleansUpRoomsAndPresence(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	expectAuthSuccess(repo, "user-1")
	s := newTestSession(t, "")
	g.dispatch(s, []byte(`{"type":"authenticate","userId":"user-1"}`))
	requireMessage(t, s)

	observer := newTestSession(t, "user-2")
	g.registry.Activate(observer)
	g.rooms.Join(s, "job-42")
	g.rooms.Join(observer, "job-42")
	requireMessage(t, s) // observer's join notice

	repo.On("GetContacts", "user-1").Return([]string{"user-2"}, nil).Once()

	g.teardown(s, CloseHeartbeatTimeout, "heartbeat timeout")

	left := requireMessage(t, observer)
	assert.Equal(t, TypeUserLeftRoom, left.Type)
	assert.Equal(t, "user-1", left.UserId)

	offline := requireMessage(t, observer)
	assert.Equal(t, TypeUserStatusChange, offline.Type)
	assert.Equal(t, StatusOffline, offline.Status)

	_, ok := g.registry.User("user-1")
	assert.False(t, ok, "expected the session to be deregistered")

	// teardown is idempotent
	g.teardown(s, CloseHeartbeatTimeout, "heartbeat timeout")
}

func TestTeardownOfReplacedSessionSkipsOfflineBroadcast(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	contact := newTestSession(t, "user-2")
	g.registry.Activate(contact)

	expectAuthSuccess(repo, "user-1", "user-2")
	first := newTestSession(t, "")
	g.dispatch(first, []byte(`{"type":"authenticate","userId":"user-1"}`))
	nextMessage(contact) // online notice

	expectAuthSuccess(repo, "user-1", "user-2")
	second := newTestSession(t, "")
	g.dispatch(second, []byte(`{"type":"authenticate","userId":"user-1"}`))

	// the replacement closed the first session, but user-1 is still
	// online on the second; contacts must only see the second online
	// notice, never an offline flap
	for msg := nextMessage(contact); msg != nil; msg = nextMessage(contact) {
		assert.NotEqual(t, StatusOffline, msg.Status)
	}
}

func TestStats(t *testing.T) {
	repo := &store.MockRepository{}
	defer repo.AssertExpectations(t)
	g := newTestGateway(t, repo, Options{})

	s := newTestSession(t, "user-1")
	g.registry.Activate(s)
	g.rooms.Join(s, "job-42")

	snapshot := g.Stats()
	assert.Equal(t, 1, snapshot.ConnectedUsers)
	assert.Equal(t, 1, snapshot.ActiveRooms)
}

func TestSendToUser(t *testing.T) {
	repo := &store.MockRepository{}
	g := newTestGateway(t, repo, Options{})

	s := newTestSession(t, "user-1")
	g.registry.Activate(s)

	assert.True(t, g.SendToUser("user-1", HeartbeatAck()))
	assert.NotNil(t, nextMessage(s))

	assert.False(t, g.SendToUser("ghost", HeartbeatAck()))
}

func TestHandleTypingDirect(t *testing.T) {
	repo := &store.MockRepository{}
	g := newTestGateway(t, repo, Options{})

	sender := newTestSession(t, "user-1")
	recipient := newTestSession(t, "user-2")
	g.registry.Activate(sender)
	g.registry.Activate(recipient)

	g.dispatch(sender, []byte(`{"type":"typing","recipientId":"user-2"}`))

	msg := requireMessage(t, recipient)
	assert.Equal(t, TypeUserTyping, msg.Type)
	assert.Equal(t, "user-1", msg.UserId)

	g.dispatch(sender, []byte(`{"type":"stop_typing","recipientId":"user-2"}`))
	msg = requireMessage(t, recipient)
	assert.Equal(t, TypeUserStoppedTyping, msg.Type)
}
