package store

import "database/sql"

const offlineColumns = "id, conversation_id, prompt, provider, attachments_json, timestamp, status, retry_count"

// AddOfflineMessage inserts an outbound message into the offline queue and
// returns its primary key. Status and retry count are stored as given;
// callers normalize new entries to pending/0.
func (s *Store) AddOfflineMessage(m OfflineMessage) (int64, error) {
	atts, err := marshalAttachments(m.Attachments)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO offline_messages (conversation_id, prompt, provider, attachments_json, timestamp, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Prompt, m.Provider, atts, m.Timestamp, m.Status, m.RetryCount,
	)
	if err != nil {
		return 0, unavailable("inserting offline message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("reading inserted offline message id", err)
	}
	return id, nil
}

// GetOfflineMessage looks up an offline message by primary key.
func (s *Store) GetOfflineMessage(id int64) (OfflineMessage, error) {
	row := s.db.QueryRow(`SELECT `+offlineColumns+` FROM offline_messages WHERE id = ?`, id)
	m, err := scanOfflineMessage(row.Scan)
	if err == sql.ErrNoRows {
		return OfflineMessage{}, ErrNotFound
	}
	return m, err
}

// OfflineMessagesByStatus returns queue entries with the given status in
// insertion order.
func (s *Store) OfflineMessagesByStatus(status string) ([]OfflineMessage, error) {
	rows, err := s.db.Query(`
		SELECT `+offlineColumns+` FROM offline_messages WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, unavailable("querying offline messages by status", err)
	}
	return collectOfflineMessages(rows)
}

// OfflineMessagesByConversation returns queue entries for one conversation
// in insertion order.
func (s *Store) OfflineMessagesByConversation(conversationID int64) ([]OfflineMessage, error) {
	rows, err := s.db.Query(`
		SELECT `+offlineColumns+` FROM offline_messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, unavailable("querying offline messages by conversation", err)
	}
	return collectOfflineMessages(rows)
}

// UpdateOfflineMessage updates the status of a queue entry, and the retry
// count when retryCount is non-nil. Other fields are never touched.
func (s *Store) UpdateOfflineMessage(id int64, status string, retryCount *int) error {
	var (
		res sql.Result
		err error
	)
	if retryCount != nil {
		res, err = s.db.Exec(`UPDATE offline_messages SET status = ?, retry_count = ? WHERE id = ?`,
			status, *retryCount, id)
	} else {
		res, err = s.db.Exec(`UPDATE offline_messages SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return unavailable("updating offline message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("checking updated offline message rows", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOfflineMessagesByStatus bulk-deletes queue entries with the given
// status and returns how many rows were removed.
func (s *Store) DeleteOfflineMessagesByStatus(status string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM offline_messages WHERE status = ?`, status)
	if err != nil {
		return 0, unavailable("deleting offline messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("checking deleted offline message rows", err)
	}
	return n, nil
}

// CountOfflineMessages returns the total number of queue entries.
func (s *Store) CountOfflineMessages() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_messages`).Scan(&n); err != nil {
		return 0, unavailable("counting offline messages", err)
	}
	return n, nil
}

func scanOfflineMessage(scan func(dest ...any) error) (OfflineMessage, error) {
	var m OfflineMessage
	var atts string
	err := scan(&m.ID, &m.ConversationID, &m.Prompt, &m.Provider, &atts, &m.Timestamp, &m.Status, &m.RetryCount)
	if err == sql.ErrNoRows {
		return OfflineMessage{}, err
	}
	if err != nil {
		return OfflineMessage{}, unavailable("scanning offline message", err)
	}
	if m.Attachments, err = unmarshalAttachments(atts); err != nil {
		return OfflineMessage{}, err
	}
	return m, nil
}

func collectOfflineMessages(rows *sql.Rows) ([]OfflineMessage, error) {
	defer rows.Close()

	var results []OfflineMessage
	for rows.Next() {
		m, err := scanOfflineMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating offline messages", err)
	}
	return results, nil
}
