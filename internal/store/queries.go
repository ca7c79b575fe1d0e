package store

import (
	"database/sql"
	"errors"
	"time"
)

func (db *PgRepository) GetUser(id string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, is_active, created_at, updated_at "+
			"FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	return scanUser(row)
}

func (db *PgRepository) GetUserByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, is_active, created_at, updated_at "+
			"FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}

	return u, err
}

func (db *PgRepository) GetContacts(userId string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT contact_id FROM contacts WHERE account_id = $1",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		contacts = append(contacts, id)
	}

	return contacts, rows.Err()
}

func (db *PgRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRow(
		"INSERT INTO messages (sender_id, recipient_id, content, job_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, sender_id, recipient_id, content, job_id, delivered, delivered_at, read, read_at, created_at",
		params.SenderId,
		params.RecipientId,
		params.Content,
		params.JobId,
		time.Now().UTC(),
	)

	return scanMessage(row)
}

func (db *PgRepository) GetMessageById(id int64) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, sender_id, recipient_id, content, job_id, delivered, delivered_at, read, read_at, created_at "+
			"FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

func (db *PgRepository) GetPendingMessages(recipientId string) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, sender_id, recipient_id, content, job_id, delivered, delivered_at, read, read_at, created_at "+
			"FROM messages WHERE recipient_id = $1 AND NOT delivered "+
			"ORDER BY created_at ASC",
		recipientId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.SenderId,
			&m.RecipientId,
			&m.Content,
			&m.JobId,
			&m.Delivered,
			&m.DeliveredAt,
			&m.Read,
			&m.ReadAt,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgRepository) MarkMessageDelivered(id int64) (bool, error) {
	res, err := db.conn.Exec(
		"UPDATE messages SET delivered = TRUE, delivered_at = $2 WHERE id = $1 AND NOT delivered",
		id,
		time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (db *PgRepository) MarkMessageRead(id int64, recipientId string) (Message, error) {
	row := db.conn.QueryRow(
		"UPDATE messages SET read = TRUE, read_at = $3 "+
			"WHERE id = $1 AND recipient_id = $2 "+
			"RETURNING id, sender_id, recipient_id, content, job_id, delivered, delivered_at, read, read_at, created_at",
		id,
		recipientId,
		time.Now().UTC(),
	)

	return scanMessage(row)
}

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.SenderId,
		&m.RecipientId,
		&m.Content,
		&m.JobId,
		&m.Delivered,
		&m.DeliveredAt,
		&m.Read,
		&m.ReadAt,
		&m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}

	return m, err
}
