package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const conversationColumns = "id, conversation_id, title, messages_json, created_at, updated_at"

// PutConversation inserts or updates a conversation by primary key. A zero
// ID inserts a fresh row and returns the assigned key; a non-zero ID upserts
// in place.
func (s *Store) PutConversation(c Conversation) (int64, error) {
	messages, err := marshalMessages(c.Messages)
	if err != nil {
		return 0, err
	}

	if c.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO conversations (conversation_id, title, messages_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ConversationID, c.Title, messages, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return 0, unavailable("inserting conversation", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, unavailable("reading inserted conversation id", err)
		}
		return id, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, conversation_id, title, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			title = excluded.title,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at`,
		c.ID, c.ConversationID, c.Title, messages, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return 0, unavailable("upserting conversation", err)
	}
	return c.ID, nil
}

// GetConversation looks up a conversation by primary key.
func (s *Store) GetConversation(id int64) (Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ConversationByLogicalID looks up the first conversation with the given
// logical conversation_id, in primary-key order.
func (s *Store) ConversationByLogicalID(conversationID int64) (Conversation, error) {
	row := s.db.QueryRow(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE conversation_id = ? ORDER BY id ASC LIMIT 1`, conversationID)
	return scanConversation(row)
}

// Conversations returns all conversations ordered by primary key descending,
// newest-created first.
func (s *Store) Conversations() ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY id DESC`)
	if err != nil {
		return nil, unavailable("listing conversations", err)
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating conversations", err)
	}
	return results, nil
}

// DeleteConversation removes a conversation by primary key. Deleting a
// missing row is not an error.
func (s *Store) DeleteConversation(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return unavailable("deleting conversation", err)
	}
	return nil
}

// ClearConversations removes every conversation.
func (s *Store) ClearConversations() error {
	if _, err := s.db.Exec(`DELETE FROM conversations`); err != nil {
		return unavailable("clearing conversations", err)
	}
	return nil
}

// CountConversations returns the number of stored conversations.
func (s *Store) CountConversations() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, unavailable("counting conversations", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (Conversation, error) {
	c, err := scanConversationFrom(row)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func scanConversationRow(rows *sql.Rows) (Conversation, error) {
	return scanConversationFrom(rows)
}

func scanConversationFrom(r rowScanner) (Conversation, error) {
	var c Conversation
	var messages string
	err := r.Scan(&c.ID, &c.ConversationID, &c.Title, &messages, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, err
	}
	if err != nil {
		return Conversation{}, unavailable("scanning conversation", err)
	}
	if c.Messages, err = unmarshalMessages(messages); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func marshalMessages(msgs []Message) (string, error) {
	if len(msgs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshaling messages: %w", err)
	}
	return string(b), nil
}

func unmarshalMessages(raw string) ([]Message, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return msgs, nil
}
