package store

import "time"

type User struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id          int64
	SenderId    string
	RecipientId string
	Content     string
	JobId       string
	Delivered   bool
	DeliveredAt *time.Time
	Read        bool
	ReadAt      *time.Time
	CreatedAt   time.Time
}

type CreateMessageParams struct {
	SenderId    string
	RecipientId string
	Content     string
	JobId       string
}
