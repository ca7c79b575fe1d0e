package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gigline/jobchat/internal/types"
)

// Client-originated message types.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing"
	TypeStopTyping   = "stop_typing"
	TypeMarkRead     = "mark_read"
	TypeHeartbeat    = "heartbeat"
)

// Server-originated message types.
const (
	TypeConnectionAck     = "connection_ack"
	TypeAuthenticated     = "authenticated"
	TypeAuthError         = "auth_error"
	TypeRoomJoined        = "room_joined"
	TypeUserJoinedRoom    = "user_joined_room"
	TypeUserLeftRoom      = "user_left_room"
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent"
	TypeMessageDelivered  = "message_delivered"
	TypeMessageRead       = "message_read"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserStatusChange  = "user_status_change"
	TypeHeartbeatAck      = "heartbeat_ack"
	TypeError             = "error"
)

// Presence statuses carried by user_status_change.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ClientMessage is the envelope for everything a client sends. A single
// flat struct covers all types; ParseClientMessage enforces the fields
// each type requires.
type ClientMessage struct {
	Type        string    `json:"type"`
	UserId      string    `json:"userId,omitempty"`
	Token       string    `json:"token,omitempty"`
	JobId       string    `json:"jobId,omitempty"`
	RecipientId string    `json:"recipientId,omitempty"`
	Content     string    `json:"content,omitempty"`
	MessageId   int64     `json:"messageId,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// ParseClientMessage decodes raw and validates the required fields for
// the message type. Unknown types and missing fields are errors; the
// caller answers them with an error envelope.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	switch msg.Type {
	case TypeAuthenticate:
		if msg.UserId == "" {
			return nil, fmt.Errorf("authenticate requires userId")
		}
	case TypeJoinRoom, TypeLeaveRoom:
		if msg.JobId == "" {
			return nil, fmt.Errorf("%s requires jobId", msg.Type)
		}
	case TypeSendMessage:
		if msg.Content == "" {
			return nil, fmt.Errorf("send_message requires content")
		}
		if msg.RecipientId == "" {
			return nil, fmt.Errorf("send_message requires recipientId")
		}
	case TypeTyping, TypeStopTyping:
		if msg.RecipientId == "" && msg.JobId == "" {
			return nil, fmt.Errorf("%s requires recipientId or jobId", msg.Type)
		}
	case TypeMarkRead:
		if msg.MessageId == 0 {
			return nil, fmt.Errorf("mark_read requires messageId")
		}
	case TypeHeartbeat:
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}

	return &msg, nil
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type           string    `json:"type"`
	ConnectionId   string    `json:"connectionId,omitempty"`
	UserId         string    `json:"userId,omitempty"`
	Status         string    `json:"status,omitempty"`
	JobId          string    `json:"jobId,omitempty"`
	Members        []string  `json:"members,omitempty"`
	MessageId      int64     `json:"messageId,omitempty"`
	SenderId       string    `json:"senderId,omitempty"`
	RecipientId    string    `json:"recipientId,omitempty"`
	Content        string    `json:"content,omitempty"`
	ConnectedUsers int       `json:"connectedUsers,omitempty"`
	Error          string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func ConnectionAck(connectionId string) *ServerMessage {
	return &ServerMessage{
		Type:         TypeConnectionAck,
		ConnectionId: connectionId,
		Timestamp:    Now(),
	}
}

func Authenticated(userId, connectionId string, connectedUsers int) *ServerMessage {
	return &ServerMessage{
		Type:           TypeAuthenticated,
		UserId:         userId,
		ConnectionId:   connectionId,
		ConnectedUsers: connectedUsers,
		Timestamp:      Now(),
	}
}

func AuthError(reason string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAuthError,
		Error:     reason,
		Timestamp: Now(),
	}
}

func RoomJoined(jobId string, members []string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeRoomJoined,
		JobId:     jobId,
		Members:   members,
		Timestamp: Now(),
	}
}

func UserJoinedRoom(jobId, userId string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeUserJoinedRoom,
		JobId:     jobId,
		UserId:    userId,
		Timestamp: Now(),
	}
}

func UserLeftRoom(jobId, userId string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeUserLeftRoom,
		JobId:     jobId,
		UserId:    userId,
		Timestamp: Now(),
	}
}

func NewMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{
		Type:        TypeNewMessage,
		MessageId:   msg.Id,
		SenderId:    msg.SenderId,
		RecipientId: msg.RecipientId,
		Content:     msg.Content,
		JobId:       msg.JobId,
		Timestamp:   msg.CreatedAt,
	}
}

func MessageSent(messageId int64) *ServerMessage {
	return &ServerMessage{
		Type:      TypeMessageSent,
		MessageId: messageId,
		Timestamp: Now(),
	}
}

func MessageDelivered(messageId int64) *ServerMessage {
	return &ServerMessage{
		Type:      TypeMessageDelivered,
		MessageId: messageId,
		Timestamp: Now(),
	}
}

func MessageRead(messageId int64, readerId string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeMessageRead,
		MessageId: messageId,
		UserId:    readerId,
		Timestamp: Now(),
	}
}

func UserTyping(jobId, userId string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeUserTyping,
		JobId:     jobId,
		UserId:    userId,
		Timestamp: Now(),
	}
}

func UserStoppedTyping(jobId, userId string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeUserStoppedTyping,
		JobId:     jobId,
		UserId:    userId,
		Timestamp: Now(),
	}
}

func UserStatusChange(userId, status string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeUserStatusChange,
		UserId:    userId,
		Status:    status,
		Timestamp: Now(),
	}
}

func HeartbeatAck() *ServerMessage {
	return &ServerMessage{
		Type:      TypeHeartbeatAck,
		Timestamp: Now(),
	}
}

func ErrorMessage(reason string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		Error:     reason,
		Timestamp: Now(),
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
