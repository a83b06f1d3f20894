package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the store cannot be read or written.
// Callers decide whether to surface it, retry, or degrade to defaults.
var ErrUnavailable = errors.New("store unavailable")

// Attachment is an encoded file carried alongside a message or request.
// DataURI holds the full base64 data URI; SizeLabel is the human-readable
// size shown in the UI (e.g. "38.2 KB").
type Attachment struct {
	Name      string `json:"name"`
	DataURI   string `json:"data_uri"`
	SizeLabel string `json:"size_label"`
}

// Message origins.
const (
	OriginUser      = "user"
	OriginAssistant = "assistant"
)

// Message is a single conversation entry. Entries are append-only: existing
// messages are never mutated once stored.
type Message struct {
	Origin      string       `json:"origin"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   int64        `json:"timestamp"` // epoch milliseconds
}

// Conversation is one persisted chat. ConversationID is the logical
// identifier used for lookups and may differ from the primary key for
// records created before key assignment.
type Conversation struct {
	ID             int64
	ConversationID int64
	Title          string
	Messages       []Message
	CreatedAt      int64 // epoch milliseconds
	UpdatedAt      int64
}

// CachedRequest is one cached prompt/response pair. Hash is indexed but not
// unique: duplicate fingerprints are appended on write and pruned lazily.
type CachedRequest struct {
	ID          int64
	Hash        string
	Prompt      string
	Provider    string
	Attachments []Attachment
	Response    string
	Timestamp   int64 // epoch milliseconds, creation time
	TTL         int64 // milliseconds; 0 means the record never expires
}

// Expired reports whether the record is logically expired at the given time
// (epoch milliseconds). Records without a TTL never expire.
func (c CachedRequest) Expired(now int64) bool {
	return c.TTL > 0 && now > c.Timestamp+c.TTL
}

// Offline message statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// OfflineMessage is an outbound message buffered while the backend was
// unreachable. Only records in StatusSent are eligible for sweep deletion.
type OfflineMessage struct {
	ID             int64
	ConversationID int64
	Prompt         string
	Provider       string
	Attachments    []Attachment
	Timestamp      int64 // epoch milliseconds
	Status         string
	RetryCount     int
}
