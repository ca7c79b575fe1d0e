package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id          int64      `json:"id"`
	SenderId    string     `json:"sender_id"`
	RecipientId string     `json:"recipient_id"`
	Content     string     `json:"content"`
	JobId       string     `json:"job_id,omitempty"`
	Delivered   bool       `json:"delivered"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
