package store

import "errors"

// ErrNotFound is returned when a requested row does not exist. Callers
// check for it with errors.Is rather than depending on database/sql.
var ErrNotFound = errors.New("not found")

// Repository covers the two external collaborators the realtime core
// depends on: the user directory and the message store.
type Repository interface {
	Ping() error

	GetUser(id string) (User, error)
	GetUserByEmail(email string) (User, error)
	GetContacts(userId string) ([]string, error)

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageById(id int64) (Message, error)
	GetPendingMessages(recipientId string) ([]Message, error)
	// MarkMessageDelivered flips the delivered flag and reports whether
	// this call did the flipping. False with a nil error means another
	// path delivered the message first.
	MarkMessageDelivered(id int64) (bool, error)
	MarkMessageRead(id int64, recipientId string) (Message, error)
}
