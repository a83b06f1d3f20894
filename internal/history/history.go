// Package history manages the conversation collection: loading the list the
// UI binds to, appending messages, and keeping a default conversation alive.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luoran/chatd/internal/store"
)

// DefaultTitle is the display name of the synthesized first conversation.
const DefaultTitle = "New Conversation"

// Store abstracts the conversation collection of the durable store.
type Store interface {
	Conversations() ([]store.Conversation, error)
	GetConversation(id int64) (store.Conversation, error)
	ConversationByLogicalID(conversationID int64) (store.Conversation, error)
	PutConversation(c store.Conversation) (int64, error)
	DeleteConversation(id int64) error
}

// Manager owns the in-memory mirror of the conversation list. The mirror is
// reloaded from the store after every mutation rather than patched in place,
// so reads after writes always reflect persisted state. Writes to the same
// conversation are serialized per logical id.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current []store.Conversation
	lastErr error

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewManager creates a history manager over the given store.
func NewManager(s Store) *Manager {
	return &Manager{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
		locks:  map[int64]*sync.Mutex{},
	}
}

// Load returns every conversation, newest-created first, refreshing the
// in-memory mirror. An empty store gets a default empty conversation
// synthesized and persisted first. Load never fails: when the store is
// unreachable it returns a single in-memory default conversation and reports
// degraded=true, with the cause retained for LastErr.
func (m *Manager) Load() (conversations []store.Conversation, degraded bool) {
	list, err := m.store.Conversations()
	if err == nil && len(list) == 0 {
		if err = m.seedDefault(); err == nil {
			list, err = m.store.Conversations()
		}
	}
	if err != nil {
		m.logger.Warn("loading conversations degraded to in-memory default", "error", err)
		list = []store.Conversation{m.defaultConversation()}
		m.setCurrent(list, err)
		return list, true
	}

	m.setCurrent(list, nil)
	return list, false
}

// Conversations returns the mirror from the last Load/mutation without
// touching the store.
func (m *Manager) Conversations() []store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// LastErr reports the most recent store failure swallowed by a read path,
// or nil. Diagnostics only; it never gates behavior.
func (m *Manager) LastErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Save stamps the conversation's UpdatedAt, upserts it by primary key, and
// reloads the list. Unlike the read paths, store failures are surfaced.
func (m *Manager) Save(c store.Conversation) (int64, error) {
	now := m.now().UnixMilli()
	c.UpdatedAt = now
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}

	id, err := m.store.PutConversation(c)
	if err != nil {
		return 0, fmt.Errorf("saving conversation: %w", err)
	}
	m.Load()
	return id, nil
}

// Create persists a fresh conversation. The logical id is derived from the
// creation instant so it never collides with small store-assigned keys.
func (m *Manager) Create(title string) (store.Conversation, error) {
	now := m.now().UnixMilli()
	c := store.Conversation{
		ConversationID: now,
		Title:          title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := m.Save(c)
	if err != nil {
		return store.Conversation{}, err
	}
	c.ID = id
	return c, nil
}

// AddMessage appends a message to the conversation found by the two-phase
// resolver and persists the result. A lookup miss or a write failure is not
// an error — the caller may still render the message transiently — so both
// are logged and reported as a nil conversation.
func (m *Manager) AddMessage(conversationID int64, msg store.Message) *store.Conversation {
	unlock := m.lockConversation(conversationID)
	defer unlock()

	c, err := m.resolve(conversationID)
	if err != nil {
		m.logger.Warn("message not persisted, conversation unresolved",
			"conversation_id", conversationID, "error", err)
		m.recordErr(err)
		return nil
	}

	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = m.now().UnixMilli()
	if _, err := m.store.PutConversation(c); err != nil {
		m.logger.Warn("message not persisted, store write failed",
			"conversation_id", conversationID, "error", err)
		m.recordErr(err)
		return nil
	}

	m.Load()
	return &c
}

// Messages returns the messages of one conversation, or an empty slice when
// the conversation or the store is unavailable.
func (m *Manager) Messages(conversationID int64) []store.Message {
	c, err := m.resolve(conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.recordErr(err)
		}
		return []store.Message{}
	}
	if c.Messages == nil {
		return []store.Message{}
	}
	return c.Messages
}

// Delete removes the conversation found by the two-phase resolver and
// reloads the list. Deleting an unknown conversation is a silent no-op.
func (m *Manager) Delete(conversationID int64) {
	unlock := m.lockConversation(conversationID)
	defer unlock()

	c, err := m.resolve(conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("delete skipped, store unavailable", "conversation_id", conversationID, "error", err)
			m.recordErr(err)
		}
		return
	}

	if err := m.store.DeleteConversation(c.ID); err != nil {
		m.logger.Warn("deleting conversation failed", "conversation_id", conversationID, "error", err)
		m.recordErr(err)
		return
	}
	m.Load()
}

// resolve finds a conversation by its logical id first, falling back to a
// primary-key lookup. Callers are inconsistent about which identifier they
// hold, so both are honored in one place.
func (m *Manager) resolve(conversationID int64) (store.Conversation, error) {
	c, err := m.store.ConversationByLogicalID(conversationID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, err
	}
	return m.store.GetConversation(conversationID)
}

func (m *Manager) seedDefault() error {
	c := m.defaultConversation()
	if _, err := m.store.PutConversation(c); err != nil {
		return fmt.Errorf("seeding default conversation: %w", err)
	}
	return nil
}

func (m *Manager) defaultConversation() store.Conversation {
	now := m.now().UnixMilli()
	return store.Conversation{
		ID:             1,
		ConversationID: 1,
		Title:          DefaultTitle,
		Messages:       []store.Message{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (m *Manager) setCurrent(list []store.Conversation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = list
	m.lastErr = err
}

func (m *Manager) recordErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *Manager) lockConversation(conversationID int64) func() {
	m.locksMu.Lock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[conversationID] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}
