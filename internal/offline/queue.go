// Package offline buffers outbound messages that could not be dispatched and
// tracks their delivery state until a retry succeeds.
package offline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/luoran/chatd/internal/store"
)

// ErrInvalidTransition is returned when a status update would leave the
// delivery state machine: pending -> sent|failed, failed -> sent|failed.
// Sent is terminal.
var ErrInvalidTransition = fmt.Errorf("invalid offline status transition")

var allowedTransitions = map[string]map[string]bool{
	store.StatusPending: {store.StatusSent: true, store.StatusFailed: true},
	store.StatusFailed:  {store.StatusSent: true, store.StatusFailed: true},
	store.StatusSent:    {},
}

// Store abstracts the offline collection of the durable store.
type Store interface {
	AddOfflineMessage(m store.OfflineMessage) (int64, error)
	GetOfflineMessage(id int64) (store.OfflineMessage, error)
	OfflineMessagesByStatus(status string) ([]store.OfflineMessage, error)
	UpdateOfflineMessage(id int64, status string, retryCount *int) error
	DeleteOfflineMessagesByStatus(status string) (int64, error)
}

// Manager is the offline outbound queue.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a queue manager over the given store.
func NewManager(s Store) *Manager {
	return &Manager{store: s, logger: slog.Default(), now: time.Now}
}

// Pending returns the retry worklist. A store failure degrades to an empty
// list; retrying later is always safe.
func (m *Manager) Pending() []store.OfflineMessage {
	msgs, err := m.store.OfflineMessagesByStatus(store.StatusPending)
	if err != nil {
		m.logger.Warn("reading offline worklist failed", "error", err)
		return []store.OfflineMessage{}
	}
	return msgs
}

// Add enqueues an undelivered message. Status and retry count are forced to
// pending/0 regardless of what the caller set.
func (m *Manager) Add(msg store.OfflineMessage) (int64, error) {
	msg.Status = store.StatusPending
	msg.RetryCount = 0
	if msg.Timestamp == 0 {
		msg.Timestamp = m.now().UnixMilli()
	}

	id, err := m.store.AddOfflineMessage(msg)
	if err != nil {
		return 0, fmt.Errorf("queueing offline message: %w", err)
	}
	m.logger.Info("message queued offline", "id", id, "conversation_id", msg.ConversationID)
	return id, nil
}

// UpdateStatus transitions a queue entry. retryCount is applied only when
// non-nil; otherwise the stored count is left unchanged. Transitions outside
// the state machine are rejected.
func (m *Manager) UpdateStatus(id int64, status string, retryCount *int) error {
	cur, err := m.store.GetOfflineMessage(id)
	if err != nil {
		return fmt.Errorf("loading offline message %d: %w", id, err)
	}
	if !allowedTransitions[cur.Status][status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}
	if err := m.store.UpdateOfflineMessage(id, status, retryCount); err != nil {
		return fmt.Errorf("updating offline message %d: %w", id, err)
	}
	return nil
}

// MarkSent transitions an entry to sent, keeping its retry count.
func (m *Manager) MarkSent(id int64) error {
	return m.UpdateStatus(id, store.StatusSent, nil)
}

// MarkFailed transitions an entry to failed and increments its retry count.
func (m *Manager) MarkFailed(id int64) error {
	cur, err := m.store.GetOfflineMessage(id)
	if err != nil {
		return fmt.Errorf("loading offline message %d: %w", id, err)
	}
	retries := cur.RetryCount + 1
	return m.UpdateStatus(id, store.StatusFailed, &retries)
}

// ClearSent bulk-deletes delivered entries and returns how many were
// removed. Pending and failed entries are never swept.
func (m *Manager) ClearSent() (int64, error) {
	n, err := m.store.DeleteOfflineMessagesByStatus(store.StatusSent)
	if err != nil {
		return 0, fmt.Errorf("clearing sent offline messages: %w", err)
	}
	if n > 0 {
		m.logger.Info("sent offline messages cleared", "count", n)
	}
	return n, nil
}
