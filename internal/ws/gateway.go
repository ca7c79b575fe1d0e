package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/gigline/jobchat/internal/auth"
	"github.com/gigline/jobchat/internal/stats"
	"github.com/gigline/jobchat/internal/store"
	"github.com/gigline/jobchat/internal/types"
)

// Options configures a Gateway.
type Options struct {
	// MaxConnections caps concurrent sockets; connections beyond it
	// are refused at the handshake. Zero means no cap.
	MaxConnections int
	// SigningKey, when set, requires authenticate envelopes to carry
	// a connect token signed with it.
	SigningKey []byte
	Timings    Timings
}

// ConnectionStats is the live-connection snapshot exposed to the
// surrounding application.
type ConnectionStats struct {
	ConnectedUsers   int `json:"connectedUsers"`
	ActiveRooms      int `json:"activeRooms"`
	TotalConnections int `json:"totalConnections"`
}

// Gateway is the connection lifecycle coordinator. It owns the
// registry, room manager, delivery pipeline, presence broadcaster and
// liveness monitor, and ties a session's handshake, dispatch loop and
// teardown together.
type Gateway struct {
	log      *log.Logger
	store    store.Repository
	stats    stats.StatsProvider
	registry *Registry
	rooms    *RoomManager
	pipeline *Pipeline
	presence *PresenceBroadcaster
	monitor  *Monitor
	timings  Timings

	maxConnections int
	signingKey     []byte
	monitorStarted bool
}

func NewGateway(logger *log.Logger, repo store.Repository, sp stats.StatsProvider, opts Options) *Gateway {
	timings := opts.Timings
	if timings.PingInterval == 0 {
		timings = DefaultTimings()
	}

	registry := NewRegistry()
	rooms := NewRoomManager(logger)

	g := &Gateway{
		log:            logger,
		store:          repo,
		stats:          sp,
		registry:       registry,
		rooms:          rooms,
		pipeline:       NewPipeline(repo, registry, rooms, sp, logger),
		presence:       NewPresenceBroadcaster(repo, registry, logger),
		timings:        timings,
		maxConnections: opts.MaxConnections,
		signingKey:     opts.SigningKey,
	}
	g.monitor = newMonitor(g, timings, logger)

	for _, name := range []string{
		"NumConnections",
		"NumReplacedConnections",
		"NumMessagesSent",
		"NumMessagesDelivered",
		"NumMessagesRead",
	} {
		sp.RegisterMetric(name)
	}

	return g
}

// Run starts the liveness monitor. It returns immediately.
func (g *Gateway) Run() {
	g.monitorStarted = true
	go g.monitor.Run()
}

// Shutdown stops the monitor and closes every tracked connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		if g.monitorStarted {
			g.monitor.Stop()
		}
		for _, s := range g.registry.Sessions() {
			g.teardown(s, websocket.CloseGoingAway, "server shutting down")
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConnection admits a freshly upgraded socket and runs its read
// loop until the connection dies. The caller's goroutine is consumed.
func (g *Gateway) HandleConnection(conn *websocket.Conn) {
	connectionId, err := shortid.Generate()
	if err != nil {
		g.log.Println("generate connection id:", err)
		conn.Close()
		return
	}

	s := newSession(connectionId, conn, g, g.log)

	if !g.registry.Add(s, g.maxConnections) {
		g.log.Printf("rejecting connection %s: server at capacity", connectionId)
		s.sendCloseFrame(CloseAtCapacity, "server at capacity")
		conn.Close()
		return
	}

	g.stats.Incr("NumConnections")
	g.log.Printf("accepted connection %s", connectionId)

	s.queueMessage(ConnectionAck(connectionId))

	g.armAuthDeadline(s)

	go s.writePump()
	s.readPump()
}

// armAuthDeadline bounds how long the session may stay unauthenticated.
// The expiry and a concurrent authenticate race on the session state;
// whichever CAS wins settles the outcome.
func (g *Gateway) armAuthDeadline(s *Session) {
	s.authTimer = time.AfterFunc(g.timings.AuthDeadline, func() {
		if !s.closeIfPendingAuth() {
			return
		}

		g.log.Printf("connection %s missed the authentication deadline", s.ConnectionId)
		g.teardown(s, CloseAuthTimeout, "authentication timeout")
	})
}

// dispatch routes one inbound envelope. Any traffic counts as liveness.
func (g *Gateway) dispatch(s *Session, raw []byte) {
	s.touch()

	msg, err := ParseClientMessage(raw)
	if err != nil {
		s.queueMessage(ErrorMessage(err.Error()))
		return
	}

	if !s.isAuthenticated() {
		if msg.Type == TypeAuthenticate {
			g.authenticate(s, msg)
		} else {
			s.queueMessage(ErrorMessage("authentication required"))
		}
		return
	}

	switch msg.Type {
	case TypeAuthenticate:
		s.queueMessage(ErrorMessage("already authenticated"))
	case TypeJoinRoom:
		members := g.rooms.Join(s, msg.JobId)
		s.queueMessage(RoomJoined(msg.JobId, members))
	case TypeLeaveRoom:
		g.rooms.Leave(s, msg.JobId)
	case TypeSendMessage:
		g.pipeline.Send(s, msg)
	case TypeTyping, TypeStopTyping:
		g.handleTyping(s, msg)
	case TypeMarkRead:
		g.pipeline.MarkRead(s, msg.MessageId)
	case TypeHeartbeat:
		s.queueMessage(HeartbeatAck())
	}
}

// authenticate resolves the claimed identity, enforces the
// single-session invariant and brings the session online.
func (g *Gateway) authenticate(s *Session, msg *ClientMessage) {
	if g.signingKey != nil {
		tokenUserId, err := auth.VerifyConnectToken(g.signingKey, msg.Token)
		if err != nil || tokenUserId != msg.UserId {
			g.log.Printf("connection %s presented an invalid connect token", s.ConnectionId)
			s.queueMessage(AuthError("invalid connect token"))
			g.teardown(s, CloseAuthRejected, "authentication rejected")
			return
		}
	}

	user, err := g.store.GetUser(msg.UserId)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.log.Println("get user:", err)
		}
		s.queueMessage(AuthError("unknown user"))
		g.teardown(s, CloseAuthRejected, "authentication rejected")
		return
	}

	if !user.IsActive {
		s.queueMessage(AuthError("account is inactive"))
		g.teardown(s, CloseAuthRejected, "authentication rejected")
		return
	}

	// The store lookups above can outlast the auth deadline. If the
	// deadline closed the session in the meantime, stop here: it is
	// already deregistered and its socket is gone.
	if !s.markAuthenticated(types.User{
		Id:       user.Id,
		Username: user.Username,
		IsActive: user.IsActive,
	}) {
		g.log.Printf("connection %s closed before authentication completed", s.ConnectionId)
		return
	}

	if s.authTimer != nil {
		s.authTimer.Stop()
	}

	// Admitting this session forcibly closes any previous one for the
	// identity: an informational replacement, not an error.
	if displaced := g.registry.Activate(s); displaced != nil {
		g.log.Printf("user %s reconnected, replacing connection %s with %s",
			user.Id, displaced.ConnectionId, s.ConnectionId)
		g.stats.Incr("NumReplacedConnections")
		g.teardown(displaced, CloseReplaced, "replaced by new connection")
	}

	s.queueMessage(Authenticated(user.Id, s.ConnectionId, g.registry.ConnectedUsers()))

	g.pipeline.DeliverPending(s)
	g.presence.BroadcastOnline(user.Id)
}

func (g *Gateway) handleTyping(s *Session, msg *ClientMessage) {
	notice := UserTyping(msg.JobId, s.user.Id)
	if msg.Type == TypeStopTyping {
		notice = UserStoppedTyping(msg.JobId, s.user.Id)
	}

	if msg.JobId != "" {
		g.rooms.Broadcast(msg.JobId, notice, s.user.Id)
		return
	}

	if recipient, ok := g.registry.User(msg.RecipientId); ok {
		recipient.queueMessage(notice)
	}
}

// teardown is the single cleanup path for every way a connection can
// end: clean close, read/write error, auth timeout, heartbeat eviction
// or replacement. It runs at most once per session.
func (g *Gateway) teardown(s *Session, closeCode int, reason string) {
	s.closeOnce.Do(func() {
		wasAuthenticated := s.isAuthenticated()
		s.setState(stateClosed)

		if s.authTimer != nil {
			s.authTimer.Stop()
		}

		identityReleased := g.registry.Remove(s)

		for _, jobId := range s.joinedRooms() {
			g.rooms.Leave(s, jobId)
		}

		// A replaced session does not release its identity, so no
		// offline broadcast fires while the user is still online on
		// the new connection.
		if wasAuthenticated && identityReleased {
			g.presence.BroadcastOffline(s.user.Id)
		}

		// The write pump drains queued envelopes, sends this close
		// frame and closes the socket on its way out, so a rejection
		// envelope queued just before teardown still reaches the peer.
		if closeCode != 0 {
			s.closeCode = closeCode
			s.closeReason = reason
		}

		close(s.stop)

		g.stats.Decr("NumConnections")
		g.log.Printf("connection %s closed: %s", s.ConnectionId, reason)
	})
}

// SendToUser pushes an envelope to the identity's live session, if any.
func (g *Gateway) SendToUser(userId string, msg *ServerMessage) bool {
	s, ok := g.registry.User(userId)
	if !ok {
		return false
	}

	return s.queueMessage(msg)
}

// BroadcastToAll pushes an envelope to every authenticated session.
func (g *Gateway) BroadcastToAll(msg *ServerMessage) {
	for _, s := range g.registry.Sessions() {
		if s.isAuthenticated() {
			s.queueMessage(msg)
		}
	}
}

// BroadcastToRoom fans an envelope out to a room, optionally excluding
// one identity.
func (g *Gateway) BroadcastToRoom(jobId string, msg *ServerMessage, excludeUserId string) {
	g.rooms.Broadcast(jobId, msg, excludeUserId)
}

func (g *Gateway) Stats() ConnectionStats {
	return ConnectionStats{
		ConnectedUsers:   g.registry.ConnectedUsers(),
		ActiveRooms:      g.rooms.ActiveRooms(),
		TotalConnections: g.registry.TotalConnections(),
	}
}
