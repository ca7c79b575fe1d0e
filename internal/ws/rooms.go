package ws

import (
	"log"
	"slices"
	"sync"
)

// RoomManager tracks job-scoped topic membership. Rooms are ephemeral:
// created on first join, deleted when the last member leaves. Members
// are keyed by identity, so at most one entry per user (the registry
// already guarantees one session per identity).
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Session
	log   *log.Logger
}

func NewRoomManager(logger *log.Logger) *RoomManager {
	return &RoomManager{
		rooms: make(map[string]map[string]*Session),
		log:   logger,
	}
}

// Join adds the session's identity to the room for jobId, creating the
// room if needed, and returns the member list including the joiner.
// Existing members are notified with user_joined_room.
func (rm *RoomManager) Join(s *Session, jobId string) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[jobId]
	if !ok {
		room = make(map[string]*Session)
		rm.rooms[jobId] = room
		rm.log.Printf("created room %q", jobId)
	}

	notice := UserJoinedRoom(jobId, s.user.Id)
	for memberId, member := range room {
		if memberId == s.user.Id {
			continue
		}
		member.queueMessage(notice)
	}

	room[s.user.Id] = s
	s.addRoom(jobId)

	members := make([]string, 0, len(room))
	for memberId := range room {
		members = append(members, memberId)
	}

	return members
}

// Leave removes the session's identity from the room, deleting the room
// if it is now empty and notifying the remaining members.
func (rm *RoomManager) Leave(s *Session, jobId string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[jobId]
	if !ok {
		return
	}

	if current, ok := room[s.user.Id]; !ok || current != s {
		return
	}

	delete(room, s.user.Id)
	s.delRoom(jobId)

	if len(room) == 0 {
		delete(rm.rooms, jobId)
		rm.log.Printf("removed empty room %q", jobId)
		return
	}

	notice := UserLeftRoom(jobId, s.user.Id)
	for _, member := range room {
		member.queueMessage(notice)
	}
}

// Broadcast fans msg out to every member's session, skipping any
// identities in excludeIds. Sends are best effort; a dead socket is
// skipped and cleaned up by the liveness sweep.
func (rm *RoomManager) Broadcast(jobId string, msg *ServerMessage, excludeIds ...string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[jobId]
	if !ok {
		return
	}

	for memberId, member := range room {
		if slices.Contains(excludeIds, memberId) {
			continue
		}
		member.queueMessage(msg)
	}
}

// Members returns the identities currently in the room, or nil if the
// room does not exist.
func (rm *RoomManager) Members(jobId string) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[jobId]
	if !ok {
		return nil
	}

	members := make([]string, 0, len(room))
	for memberId := range room {
		members = append(members, memberId)
	}

	return members
}

// ActiveRooms is the number of rooms with at least one member.
func (rm *RoomManager) ActiveRooms() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return len(rm.rooms)
}
