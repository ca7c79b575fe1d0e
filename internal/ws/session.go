package ws

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gigline/jobchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// Application close codes sent when the server terminates a connection.
const (
	CloseAuthTimeout      = 4000
	CloseReplaced         = 4001
	CloseAtCapacity       = 4002
	CloseAuthRejected     = 4003
	CloseHeartbeatTimeout = 4004
)

type sessionState int32

const (
	statePendingAuth sessionState = iota
	stateAuthenticated
	stateClosed
)

// Session is the server-side record for one live connection. It moves
// through pendingAuth -> authenticated -> closed; teardown runs exactly
// once regardless of which path closes it.
type Session struct {
	ConnectionId string

	conn    *websocket.Conn
	gateway *Gateway
	log     *log.Logger

	user  types.User
	state atomic.Int32

	lastSeen     atomic.Int64
	probePending atomic.Bool

	send      chan *ServerMessage
	stop      chan struct{}
	closeOnce sync.Once
	authTimer *time.Timer

	// set by teardown before stop closes; the write pump sends the
	// close frame after draining queued envelopes
	closeCode   int
	closeReason string

	rooms     map[string]struct{}
	roomsLock sync.Mutex
}

func newSession(connectionId string, conn *websocket.Conn, g *Gateway, l *log.Logger) *Session {
	s := &Session{
		ConnectionId: connectionId,
		conn:         conn,
		gateway:      g,
		log:          l,
		send:         make(chan *ServerMessage, sendQueueSize),
		stop:         make(chan struct{}),
		rooms:        make(map[string]struct{}),
	}
	s.touch()
	return s
}

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

func (s *Session) setState(state sessionState) {
	s.state.Store(int32(state))
}

func (s *Session) isAuthenticated() bool {
	return s.currentState() == stateAuthenticated
}

// markAuthenticated moves the session from pendingAuth to
// authenticated. It refuses a session that is no longer pending, so an
// authentication that was suspended in a store call cannot resurrect a
// connection the auth deadline already closed.
func (s *Session) markAuthenticated(user types.User) bool {
	s.user = user
	return s.state.CompareAndSwap(int32(statePendingAuth), int32(stateAuthenticated))
}

// closeIfPendingAuth transitions a still-unauthenticated session to
// closed. False means authentication won the race and the deadline
// must stand down.
func (s *Session) closeIfPendingAuth() bool {
	return s.state.CompareAndSwap(int32(statePendingAuth), int32(stateClosed))
}

func (s *Session) User() types.User {
	return s.user
}

// touch records activity from the peer; the liveness sweep compares
// against this.
func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
	s.probePending.Store(false)
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// queueMessage hands msg to the write pump without blocking. A full
// queue drops the message; a peer that slow is handled by the liveness
// sweep, not by stalling the caller.
func (s *Session) queueMessage(msg *ServerMessage) bool {
	select {
	case s.send <- msg:
	default:
		s.log.Printf("send queue full on connection %s, dropping %s", s.ConnectionId, msg.Type)
		return false
	}

	return true
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.gateway.timings.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				s.log.Println("failed to serialize message:", err)
				continue
			}

			if !s.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-ticker.C:
			if !s.writeMessage(websocket.PingMessage, nil) {
				return
			}
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain flushes envelopes queued before teardown and then sends the
// close frame teardown recorded, so a rejection envelope like
// auth_error reaches the peer ahead of the close.
func (s *Session) drain() {
	for {
		select {
		case msg := <-s.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				s.log.Println("failed to serialize message:", err)
				continue
			}

			if !s.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		default:
			if s.closeCode != 0 {
				s.sendCloseFrame(s.closeCode, s.closeReason)
			}
			return
		}
	}
}

func (s *Session) readPump() {
	defer func() {
		s.gateway.teardown(s, 0, "connection closed")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(appData string) error {
		s.touch()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			return
		}

		s.gateway.dispatch(s, raw)
	}
}

func (s *Session) writeMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// ping sends a transport-level ping outside the write pump's schedule,
// used by the liveness sweep.
func (s *Session) ping() {
	if s.conn == nil {
		return
	}

	s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Session) sendCloseFrame(code int, reason string) {
	if s.conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (s *Session) addRoom(jobId string) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()

	s.rooms[jobId] = struct{}{}
}

func (s *Session) delRoom(jobId string) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()

	delete(s.rooms, jobId)
}

func (s *Session) joinedRooms() []string {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for jobId := range s.rooms {
		rooms = append(rooms, jobId)
	}

	return rooms
}
