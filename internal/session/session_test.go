package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/cache"
)

func TestBindCreatesSession(t *testing.T) {
	s := NewStore(cache.NewMemoryCache(0))
	ctx := context.Background()

	sess, err := s.Bind(ctx, "conv1", "gpt-4", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if sess.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", sess.MessageCount)
	}
}

func TestRebindPreservesCreatedAt(t *testing.T) {
	s := NewStore(cache.NewMemoryCache(0))
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fixed }

	first, err := s.Bind(ctx, "conv1", "gpt-4", "openai", "gpt-4o", 0)
	if err != nil {
		t.Fatalf("first bind failed: %v", err)
	}

	s.nowFunc = func() time.Time { return fixed.Add(time.Minute) }
	second, err := s.Bind(ctx, "conv1", "gpt-4", "anthropic", "claude-3", 0)
	if err != nil {
		t.Fatalf("second bind failed: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on rebind: first=%v second=%v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastAccessed.After(first.LastAccessed) {
		t.Fatal("expected LastAccessed to advance on rebind")
	}
	if second.ProviderID != "anthropic" {
		t.Fatalf("ProviderID = %q, want anthropic", second.ProviderID)
	}
	if second.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", second.MessageCount)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewStore(cache.NewMemoryCache(0))
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(cache.NewMemoryCache(0))
	ctx := context.Background()
	_, _ = s.Bind(ctx, "conv1", "gpt-4", "openai", "gpt-4o", 0)

	if err := s.Delete(ctx, "conv1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "conv1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestJSONUsesLastUsedAtAlias(t *testing.T) {
	sess := Session{
		ConversationID: "conv1",
		LogicalModel:   "gpt-4",
		ProviderID:     "openai",
		ModelID:        "gpt-4o",
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastAccessed:   time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
		MessageCount:   3,
	}
	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal into map failed: %v", err)
	}
	if _, ok := raw["last_used_at"]; !ok {
		t.Fatal("expected last_used_at key in wire JSON")
	}
	if _, ok := raw["last_accessed"]; ok {
		t.Fatal("did not expect internal last_accessed key in wire JSON")
	}

	var roundTripped Session
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("round-trip Unmarshal failed: %v", err)
	}
	if !roundTripped.LastAccessed.Equal(sess.LastAccessed) {
		t.Fatalf("LastAccessed round-trip = %v, want %v", roundTripped.LastAccessed, sess.LastAccessed)
	}
}

func TestTouchRefreshesLastAccessedOnly(t *testing.T) {
	s := NewStore(cache.NewMemoryCache(0))
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fixed }
	_, _ = s.Bind(ctx, "conv1", "gpt-4", "openai", "gpt-4o", 0)

	s.nowFunc = func() time.Time { return fixed.Add(time.Minute) }
	touched, err := s.Touch(ctx, "conv1", 0, 0)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if touched.ProviderID != "openai" {
		t.Fatalf("ProviderID = %q, want openai (unchanged)", touched.ProviderID)
	}
	if !touched.LastAccessed.Equal(fixed.Add(time.Minute)) {
		t.Fatalf("LastAccessed = %v, want %v", touched.LastAccessed, fixed.Add(time.Minute))
	}
}
