package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/richinex/tally/llm"
)

type memorySession struct {
	history   []llm.ChatMessage
	updatedAt time.Time
}

// InMemoryStorage keeps chat history in a map. Data is lost when the
// process exits. Safe for concurrent use.
type InMemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]memorySession
}

// NewInMemoryStorage creates an empty in-memory store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		sessions: make(map[string]memorySession),
	}
}

// Save replaces the history for a session. The slice is copied.
func (s *InMemoryStorage) Save(ctx context.Context, sessionID string, history []llm.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = memorySession{
		history:   slices.Clone(history),
		updatedAt: time.Now(),
	}
	return nil
}

// Load returns a copy of the history, or an empty slice for unknown sessions.
func (s *InMemoryStorage) Load(ctx context.Context, sessionID string) ([]llm.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []llm.ChatMessage{}, nil
	}
	return append([]llm.ChatMessage{}, sess.history...), nil
}

func (s *InMemoryStorage) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// ListSessions returns session IDs, most recently saved first.
func (s *InMemoryStorage) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return s.sessions[b].updatedAt.Compare(s.sessions[a].updatedAt)
	})
	return ids, nil
}

func (s *InMemoryStorage) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[sessionID]
	return ok, nil
}

var _ ConversationStorage = (*InMemoryStorage)(nil)
