package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies the secondary indices after all migrations,
// including the composite replacements introduced in 0002.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_conversations_conversation_id",
		"idx_request_cache_hash_ts",
		"idx_offline_messages_conversation_id",
		"idx_offline_messages_status_conv",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}

	// The 0001 index names replaced by 0002 must be gone.
	for _, idx := range []string{"idx_request_cache_hash", "idx_offline_messages_status"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count); err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 0 {
			t.Errorf("index %q should have been dropped by migration 0002", idx)
		}
	}
}

// TestOpenRecreatesCorruptDatabase writes garbage where the database file
// lives and verifies Open still succeeds by recreating it.
func TestOpenRecreatesCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatd.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite file"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open on corrupt database failed: %v", err)
	}
	defer s.Close()

	if n, err := s.CountConversations(); err != nil || n != 0 {
		t.Errorf("CountConversations = (%d, %v), want (0, nil)", n, err)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	c := Conversation{
		ConversationID: 42,
		Title:          "Trip planning",
		Messages: []Message{
			{Origin: OriginUser, Text: "hello", Timestamp: 1000},
			{
				Origin:      OriginAssistant,
				Text:        "hi there",
				Attachments: []Attachment{{Name: "map.png", DataURI: "data:image/png;base64,AAAA", SizeLabel: "1.2 KB"}},
				Timestamp:   2000,
			},
		},
		CreatedAt: 1000,
		UpdatedAt: 2000,
	}

	id, err := s.PutConversation(c)
	if err != nil {
		t.Fatalf("PutConversation: %v", err)
	}
	if id == 0 {
		t.Fatal("PutConversation returned zero id")
	}

	got, err := s.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ConversationID != 42 || got.Title != "Trip planning" {
		t.Errorf("got %+v", got)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[1].Attachments[0].Name != "map.png" {
		t.Errorf("attachment lost: %+v", got.Messages[1].Attachments)
	}

	byLogical, err := s.ConversationByLogicalID(42)
	if err != nil {
		t.Fatalf("ConversationByLogicalID: %v", err)
	}
	if byLogical.ID != id {
		t.Errorf("logical lookup id = %d, want %d", byLogical.ID, id)
	}
}

func TestPutConversationUpsert(t *testing.T) {
	s := openTestStore(t)

	id, err := s.PutConversation(Conversation{ConversationID: 1, Title: "before", CreatedAt: 1, UpdatedAt: 1})
	if err != nil {
		t.Fatalf("PutConversation: %v", err)
	}

	c, _ := s.GetConversation(id)
	c.Title = "after"
	c.Messages = append(c.Messages, Message{Origin: OriginUser, Text: "x", Timestamp: 5})
	c.UpdatedAt = 5
	if _, err := s.PutConversation(c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "after" || len(got.Messages) != 1 || got.UpdatedAt != 5 {
		t.Errorf("upsert not applied: %+v", got)
	}

	if n, _ := s.CountConversations(); n != 1 {
		t.Errorf("count = %d, want 1 after upsert", n)
	}
}

func TestConversationsOrderedByKeyDescending(t *testing.T) {
	s := openTestStore(t)

	for i := int64(1); i <= 3; i++ {
		if _, err := s.PutConversation(Conversation{ConversationID: i, CreatedAt: i, UpdatedAt: i}); err != nil {
			t.Fatalf("PutConversation %d: %v", i, err)
		}
	}

	list, err := s.Conversations()
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].ID >= list[i-1].ID {
			t.Errorf("not descending by id: %d then %d", list[i-1].ID, list[i].ID)
		}
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetConversation(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(999) = %v, want ErrNotFound", err)
	}
	if _, err := s.ConversationByLogicalID(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("ConversationByLogicalID(999) = %v, want ErrNotFound", err)
	}
}

func TestCachedRequestsByHash(t *testing.T) {
	s := openTestStore(t)

	for i, hash := range []string{"aaa", "aaa", "bbb"} {
		_, err := s.AddCachedRequest(CachedRequest{
			Hash: hash, Prompt: "p", Provider: "mock", Response: "r",
			Timestamp: int64(i), TTL: 0,
		})
		if err != nil {
			t.Fatalf("AddCachedRequest: %v", err)
		}
	}

	matches, err := s.CachedRequestsByHash("aaa")
	if err != nil {
		t.Fatalf("CachedRequestsByHash: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len = %d, want 2", len(matches))
	}
	if matches[0].ID >= matches[1].ID {
		t.Errorf("matches not in insertion order: %d, %d", matches[0].ID, matches[1].ID)
	}

	if err := s.DeleteCachedRequest(matches[0].ID); err != nil {
		t.Fatalf("DeleteCachedRequest: %v", err)
	}
	if n, _ := s.CountCachedRequests(); n != 2 {
		t.Errorf("count = %d, want 2 after delete", n)
	}

	if err := s.ClearCachedRequests(); err != nil {
		t.Fatalf("ClearCachedRequests: %v", err)
	}
	if n, _ := s.CountCachedRequests(); n != 0 {
		t.Errorf("count = %d, want 0 after clear", n)
	}
}

func TestOfflineMessageLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddOfflineMessage(OfflineMessage{
		ConversationID: 7, Prompt: "hello", Provider: "mock",
		Timestamp: 100, Status: StatusPending,
	})
	if err != nil {
		t.Fatalf("AddOfflineMessage: %v", err)
	}

	pending, err := s.OfflineMessagesByStatus(StatusPending)
	if err != nil {
		t.Fatalf("OfflineMessagesByStatus: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].RetryCount != 0 {
		t.Fatalf("pending = %+v", pending)
	}

	// Status-only update leaves retry_count untouched.
	if err := s.UpdateOfflineMessage(id, StatusFailed, nil); err != nil {
		t.Fatalf("UpdateOfflineMessage: %v", err)
	}
	m, err := s.GetOfflineMessage(id)
	if err != nil {
		t.Fatalf("GetOfflineMessage: %v", err)
	}
	if m.Status != StatusFailed || m.RetryCount != 0 {
		t.Errorf("after status update: %+v", m)
	}

	retries := 3
	if err := s.UpdateOfflineMessage(id, StatusSent, &retries); err != nil {
		t.Fatalf("UpdateOfflineMessage with retry: %v", err)
	}
	m, _ = s.GetOfflineMessage(id)
	if m.Status != StatusSent || m.RetryCount != 3 {
		t.Errorf("after retry update: %+v", m)
	}

	byConv, err := s.OfflineMessagesByConversation(7)
	if err != nil {
		t.Fatalf("OfflineMessagesByConversation: %v", err)
	}
	if len(byConv) != 1 {
		t.Errorf("byConv len = %d, want 1", len(byConv))
	}

	deleted, err := s.DeleteOfflineMessagesByStatus(StatusSent)
	if err != nil {
		t.Fatalf("DeleteOfflineMessagesByStatus: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetOfflineMessage(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOfflineMessage after delete = %v, want ErrNotFound", err)
	}
}

func TestUpdateOfflineMessageNotFound(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpdateOfflineMessage(12345, StatusSent, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOfflineMessage(12345) = %v, want ErrNotFound", err)
	}
}
