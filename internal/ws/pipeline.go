package ws

import (
	"log"

	"github.com/gigline/jobchat/internal/stats"
	"github.com/gigline/jobchat/internal/store"
	"github.com/gigline/jobchat/internal/types"
)

// Pipeline moves a message from created through delivered (or pending)
// to read. The store is the source of truth: nothing is pushed until
// the row is persisted, and a persistence failure fails the send with
// no partial state.
type Pipeline struct {
	store    store.Repository
	registry *Registry
	rooms    *RoomManager
	stats    stats.StatsProvider
	log      *log.Logger
}

func NewPipeline(repo store.Repository, registry *Registry, rooms *RoomManager, sp stats.StatsProvider, logger *log.Logger) *Pipeline {
	return &Pipeline{
		store:    repo,
		registry: registry,
		rooms:    rooms,
		stats:    sp,
		log:      logger,
	}
}

// Send persists and delivers one message. The sender is acknowledged
// twice on the happy path: message_sent once the row is durable, and
// message_delivered if the recipient was online to receive the push.
func (p *Pipeline) Send(sender *Session, msg *ClientMessage) {
	saved, err := p.store.CreateMessage(store.CreateMessageParams{
		SenderId:    sender.user.Id,
		RecipientId: msg.RecipientId,
		Content:     msg.Content,
		JobId:       msg.JobId,
	})
	if err != nil {
		p.log.Println("create message:", err)
		sender.queueMessage(ErrorMessage("failed to send message"))
		return
	}

	p.stats.Incr("NumMessagesSent")
	sender.queueMessage(MessageSent(saved.Id))

	envelope := NewMessage(messageFromStore(saved))

	if recipient, ok := p.registry.User(saved.RecipientId); ok {
		if p.deliver(saved.Id) {
			recipient.queueMessage(envelope)
			sender.queueMessage(MessageDelivered(saved.Id))
		}
	}

	// Room participants see job-scoped messages live even without a
	// direct addressing relationship. The recipient already got the
	// direct push, so skip them too.
	if saved.JobId != "" {
		p.rooms.Broadcast(saved.JobId, envelope, sender.user.Id, saved.RecipientId)
	}
}

// deliver flips the delivered flag for exactly one caller. The store's
// conditional update is the arbiter when a direct send races the
// pending drain for the same message: whichever flips the flag pushes,
// the other skips.
func (p *Pipeline) deliver(messageId int64) bool {
	delivered, err := p.store.MarkMessageDelivered(messageId)
	if err != nil {
		p.log.Println("mark message delivered:", err)
		return false
	}
	if !delivered {
		return false
	}

	p.stats.Incr("NumMessagesDelivered")
	return true
}

// DeliverPending pushes every message queued for the session's identity
// while it was offline, in creation order. Read state is untouched;
// only the delivered flag advances.
func (p *Pipeline) DeliverPending(s *Session) {
	pending, err := p.store.GetPendingMessages(s.user.Id)
	if err != nil {
		p.log.Println("get pending messages:", err)
		return
	}

	for _, msg := range pending {
		if !p.deliver(msg.Id) {
			continue
		}
		s.queueMessage(NewMessage(messageFromStore(msg)))
	}

	if len(pending) > 0 {
		p.log.Printf("delivered %d pending messages to %s", len(pending), s.user.Id)
	}
}

// MarkRead records a read acknowledgement. Only the message's recipient
// may mark it read; the original sender gets a message_read receipt if
// online.
func (p *Pipeline) MarkRead(s *Session, messageId int64) {
	msg, err := p.store.GetMessageById(messageId)
	if err != nil {
		p.log.Println("get message:", err)
		s.queueMessage(ErrorMessage("message not found"))
		return
	}

	if msg.RecipientId != s.user.Id {
		s.queueMessage(ErrorMessage("not the message recipient"))
		return
	}

	updated, err := p.store.MarkMessageRead(messageId, s.user.Id)
	if err != nil {
		p.log.Println("mark message read:", err)
		s.queueMessage(ErrorMessage("failed to mark message read"))
		return
	}

	p.stats.Incr("NumMessagesRead")

	if sender, ok := p.registry.User(updated.SenderId); ok {
		sender.queueMessage(MessageRead(updated.Id, s.user.Id))
	}
}

func messageFromStore(m store.Message) types.Message {
	return types.Message{
		Id:          m.Id,
		SenderId:    m.SenderId,
		RecipientId: m.RecipientId,
		Content:     m.Content,
		JobId:       m.JobId,
		Delivered:   m.Delivered,
		Read:        m.Read,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
	}
}
