// Package cache deduplicates chat requests by fingerprinting them and
// replaying stored responses until they expire.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/luoran/chatd/internal/store"
)

// attachmentPrefixLen bounds how much of each attachment payload feeds the
// fingerprint. Hashing full payloads is too expensive for dedup; two large
// attachments sharing this prefix therefore collide, which is accepted.
const attachmentPrefixLen = 50

// DefaultTTL is applied to new cache entries unless reconfigured.
const DefaultTTL = 24 * time.Hour

// Config is the runtime cache configuration. It is passed explicitly into
// NewManager instead of living in process-global state; a zero TTL means
// entries never expire.
type Config struct {
	TTL     time.Duration
	Enabled bool
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, Enabled: true}
}

// Status tells the caller which lookup path was taken, so degraded reads are
// distinguishable from plain misses.
type Status int

const (
	// Hit means a live cached response was found.
	Hit Status = iota
	// Miss means no record exists for the fingerprint.
	Miss
	// Expired means every match had outlived its TTL and was deleted.
	Expired
	// Disabled means caching is switched off; the store was not consulted.
	Disabled
	// Degraded means the store failed and the lookup fell back to a miss.
	Degraded
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Expired:
		return "expired"
	case Disabled:
		return "disabled"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Store abstracts the cache collection of the durable store.
type Store interface {
	AddCachedRequest(store.CachedRequest) (int64, error)
	CachedRequestsByHash(hash string) ([]store.CachedRequest, error)
	CachedRequests() ([]store.CachedRequest, error)
	DeleteCachedRequest(id int64) error
	ClearCachedRequests() error
	CountCachedRequests() (int64, error)
}

// Stats summarizes the cache collection. ApproximateSize assumes two bytes
// per response character, matching the UTF-16 sizing the UI reports.
type Stats struct {
	Total           int64
	Valid           int64
	Expired         int64
	ApproximateSize int64
}

// Manager looks up and stores cached responses. Safe for concurrent use.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu  sync.Mutex
	cfg Config

	now func() time.Time
}

// NewManager creates a cache manager over the given store with an explicit
// starting configuration.
func NewManager(s Store, cfg Config) *Manager {
	return &Manager{
		store:  s,
		logger: slog.Default(),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Fingerprint computes the deterministic cache key for a request: an
// order-sensitive digest of the prompt, provider, and the leading bytes of
// each attachment payload.
func Fingerprint(prompt, provider string, attachments []store.Attachment) string {
	parts := make([]string, 0, len(attachments)+2)
	parts = append(parts, prompt, provider)
	for _, a := range attachments {
		data := a.DataURI
		if len(data) > attachmentPrefixLen {
			data = data[:attachmentPrefixLen]
		}
		parts = append(parts, data)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:32]
}

// Lookup returns the first live cached response for the request, pruning any
// expired matches it walks over. It never returns an error: store failures
// degrade to an absent result and are logged.
func (m *Manager) Lookup(prompt, provider string, attachments []store.Attachment) (*store.CachedRequest, Status) {
	if !m.Config().Enabled {
		return nil, Disabled
	}

	hash := Fingerprint(prompt, provider, attachments)
	matches, err := m.store.CachedRequestsByHash(hash)
	if err != nil {
		m.logger.Warn("cache lookup degraded", "hash", hash, "error", err)
		return nil, Degraded
	}
	if len(matches) == 0 {
		return nil, Miss
	}

	now := m.now().UnixMilli()
	pruned := false
	for _, rec := range matches {
		if !rec.Expired(now) {
			return &rec, Hit
		}
		pruned = true
		if err := m.store.DeleteCachedRequest(rec.ID); err != nil {
			m.logger.Warn("deleting expired cache entry failed", "id", rec.ID, "error", err)
		}
	}
	if pruned {
		return nil, Expired
	}
	return nil, Miss
}

// Store caches a completed response under the request's fingerprint with the
// currently configured TTL. It always appends a new record, even when the
// fingerprint already exists; duplicates are pruned lazily on read or during
// CleanExpired. Returns the new record's id, or 0 when caching is disabled.
func (m *Manager) Store(prompt, provider string, attachments []store.Attachment, response string) (int64, error) {
	cfg := m.Config()
	if !cfg.Enabled {
		return 0, nil
	}

	rec := store.CachedRequest{
		Hash:        Fingerprint(prompt, provider, attachments),
		Prompt:      prompt,
		Provider:    provider,
		Attachments: attachments,
		Response:    response,
		Timestamp:   m.now().UnixMilli(),
		TTL:         cfg.TTL.Milliseconds(),
	}
	id, err := m.store.AddCachedRequest(rec)
	if err != nil {
		return 0, fmt.Errorf("caching response: %w", err)
	}
	m.logger.Debug("response cached", "id", id, "hash", rec.Hash)
	return id, nil
}

// CleanExpired scans every cache record and deletes the expired ones. This
// is an O(n) sweep meant for explicit, periodic invocation; regular lookups
// rely on lazy expiry instead.
func (m *Manager) CleanExpired() (int, error) {
	records, err := m.store.CachedRequests()
	if err != nil {
		return 0, fmt.Errorf("scanning cache: %w", err)
	}

	now := m.now().UnixMilli()
	deleted := 0
	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}
		if err := m.store.DeleteCachedRequest(rec.ID); err != nil {
			return deleted, fmt.Errorf("deleting expired entry %d: %w", rec.ID, err)
		}
		deleted++
	}
	m.logger.Info("expired cache entries removed", "count", deleted)
	return deleted, nil
}

// Clear removes every cache record regardless of expiry.
func (m *Manager) Clear() error {
	if err := m.store.ClearCachedRequests(); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Stats reports cache totals and an approximate in-memory size.
func (m *Manager) Stats() (Stats, error) {
	total, err := m.store.CountCachedRequests()
	if err != nil {
		return Stats{}, fmt.Errorf("counting cache: %w", err)
	}
	records, err := m.store.CachedRequests()
	if err != nil {
		return Stats{}, fmt.Errorf("scanning cache: %w", err)
	}

	now := m.now().UnixMilli()
	st := Stats{Total: total}
	for _, rec := range records {
		if rec.Expired(now) {
			st.Expired++
		} else {
			st.Valid++
		}
		st.ApproximateSize += 2 * int64(len(rec.Response))
	}
	return st, nil
}

// Config returns the current effective configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetTTL changes the TTL applied to subsequent Store calls and returns the
// new effective configuration. Existing records keep the TTL they were
// written with.
func (m *Manager) SetTTL(ttl time.Duration) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.TTL = ttl
	return m.cfg
}

// SetEnabled toggles caching for subsequent operations and returns the new
// effective configuration.
func (m *Manager) SetEnabled(enabled bool) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Enabled = enabled
	return m.cfg
}
