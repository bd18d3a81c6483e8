// Package session implements sticky conversation-to-upstream binding,
// backed by the KeyedCache (internal/cache).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/cache"
)

// ErrNotFound is returned when no session exists for a conversation id.
var ErrNotFound = errors.New("session: not found")

// Session records the upstream a conversation is currently bound to. Its
// JSON encoding is handled by MarshalJSON/UnmarshalJSON below, which alias
// LastAccessed to the external last_used_at field name.
type Session struct {
	ConversationID string
	LogicalModel   string
	ProviderID     string
	ModelID        string
	CreatedAt      time.Time
	LastAccessed   time.Time
	MessageCount   int
}

// wireSession mirrors Session for JSON encoding, aliasing the internal
// last_accessed field to the external last_used_at name the original
// implementation's session manager used.
type wireSession struct {
	ConversationID string    `json:"conversation_id"`
	LogicalModel   string    `json:"logical_model"`
	ProviderID     string    `json:"provider_id"`
	ModelID        string    `json:"model_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
	MessageCount   int       `json:"message_count"`
}

// MarshalJSON round-trips LastAccessed under the external last_used_at key.
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSession{
		ConversationID: s.ConversationID,
		LogicalModel:   s.LogicalModel,
		ProviderID:     s.ProviderID,
		ModelID:        s.ModelID,
		CreatedAt:      s.CreatedAt,
		LastUsedAt:     s.LastAccessed,
		MessageCount:   s.MessageCount,
	})
}

// UnmarshalJSON reads the external last_used_at key back into LastAccessed,
// falling back to the internal last_accessed name when last_used_at is absent.
func (s *Session) UnmarshalJSON(data []byte) error {
	var w struct {
		wireSession
		LastAccessed time.Time `json:"last_accessed"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ConversationID = w.ConversationID
	s.LogicalModel = w.LogicalModel
	s.ProviderID = w.ProviderID
	s.ModelID = w.ModelID
	s.CreatedAt = w.CreatedAt
	s.LastAccessed = w.LastUsedAt
	if s.LastAccessed.IsZero() {
		s.LastAccessed = w.LastAccessed
	}
	s.MessageCount = w.MessageCount
	return nil
}

// Store binds and reads sticky sessions through the KeyedCache.
type Store struct {
	cache   cache.Cache
	nowFunc func() time.Time
}

// NewStore creates a session store backed by the given cache.
func NewStore(c cache.Cache) *Store {
	return &Store{cache: c, nowFunc: time.Now}
}

// Get returns the session bound to a conversation, or ErrNotFound.
func (s *Store) Get(ctx context.Context, conversationID string) (*Session, error) {
	raw, err := s.cache.Get(ctx, cache.SessionKey(conversationID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Bind creates or rebinds a conversation to an upstream. If a session
// already exists, created_at is preserved and last_accessed/provider/model
// are refreshed; message_count is incremented. A TTL of 0 means no expiry.
func (s *Store) Bind(ctx context.Context, conversationID, logicalModel, providerID, modelID string, ttl time.Duration) (*Session, error) {
	now := s.nowFunc()

	existing, err := s.Get(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sess := &Session{
		ConversationID: conversationID,
		LogicalModel:   logicalModel,
		ProviderID:     providerID,
		ModelID:        modelID,
		CreatedAt:      now,
		LastAccessed:   now,
		MessageCount:   1,
	}
	if existing != nil {
		sess.CreatedAt = existing.CreatedAt
		sess.MessageCount = existing.MessageCount + 1
	}

	if err := s.write(ctx, sess, ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch refreshes last_accessed on an existing session without changing its
// bound upstream, incrementing message_count by incMessages (negative values
// are clamped to 0, so a pure keep-alive touch need not advance the count).
func (s *Store) Touch(ctx context.Context, conversationID string, incMessages int, ttl time.Duration) (*Session, error) {
	sess, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if incMessages < 0 {
		incMessages = 0
	}
	sess.LastAccessed = s.nowFunc()
	sess.MessageCount += incMessages
	if err := s.write(ctx, sess, ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a conversation's session.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	return s.cache.Delete(ctx, cache.SessionKey(conversationID))
}

func (s *Store) write(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.SessionKey(sess.ConversationID), data, ttl)
}
