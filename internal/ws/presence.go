package ws

import (
	"log"

	"github.com/gigline/jobchat/internal/store"
)

// PresenceBroadcaster pushes online/offline transitions to a user's
// contacts. Presence is never persisted; only contacts with a live
// session hear about it.
type PresenceBroadcaster struct {
	store    store.Repository
	registry *Registry
	log      *log.Logger
}

func NewPresenceBroadcaster(repo store.Repository, registry *Registry, logger *log.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{
		store:    repo,
		registry: registry,
		log:      logger,
	}
}

func (b *PresenceBroadcaster) BroadcastOnline(userId string) {
	b.broadcast(userId, StatusOnline)
}

func (b *PresenceBroadcaster) BroadcastOffline(userId string) {
	b.broadcast(userId, StatusOffline)
}

func (b *PresenceBroadcaster) broadcast(userId, status string) {
	contacts, err := b.store.GetContacts(userId)
	if err != nil {
		b.log.Println("get contacts:", err)
		return
	}

	notice := UserStatusChange(userId, status)
	for _, contactId := range contacts {
		if contact, ok := b.registry.User(contactId); ok {
			contact.queueMessage(notice)
		}
	}
}
