// Package store provides session context storage backends for MindPipe.
//
// It includes an in-memory store plus SQLite, PostgreSQL, and Redis
// backed implementations behind a common interface.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mindshift-labs/mindpipe/internal/models"
)

// Store is the keyed session context store the transition engine writes
// through. Create fails with models.ErrDuplicateSession if a session
// already exists for the ID; Get returns (nil, nil) when absent;
// Save is an idempotent last-writer-wins overwrite.
type Store interface {
	CreateSession(ctx context.Context, sc models.SessionContext) error
	GetSession(ctx context.Context, sessionID string) (*models.SessionContext, error)
	SaveSession(ctx context.Context, sc models.SessionContext) error

	// ExpireSessions marks active sessions idle since before the cutoff
	// as expired, returning how many were expired.
	ExpireSessions(ctx context.Context, cutoff time.Time) (int, error)

	AddInteraction(ctx context.Context, in models.Interaction) error
	ListInteractions(ctx context.Context, sessionID string) ([]models.Interaction, error)

	Close() error
}

// Option configures a store backend.
type Option func(*Opts)

// Opts holds configuration shared by the store backends.
type Opts struct {
	DSN      string
	RedisURL string
}

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL configures a Redis connection URL.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// InMemoryStore is a mutex-guarded in-memory store, used for tests and
// single-process deployments without a database.
type InMemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]models.SessionContext
	interactions map[string][]models.Interaction
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]models.SessionContext),
		interactions: make(map[string][]models.Interaction),
	}
}

// CreateSession stores a new session context, rejecting duplicates.
func (s *InMemoryStore) CreateSession(ctx context.Context, sc models.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sc.SessionID]; exists {
		return models.ErrDuplicateSession
	}
	s.sessions[sc.SessionID] = cloneSession(sc)
	return nil
}

// GetSession returns the session context, or (nil, nil) when absent.
func (s *InMemoryStore) GetSession(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, exists := s.sessions[sessionID]
	if !exists {
		return nil, nil
	}
	out := cloneSession(sc)
	return &out, nil
}

// SaveSession overwrites the stored context, last writer wins.
func (s *InMemoryStore) SaveSession(ctx context.Context, sc models.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sc.SessionID] = cloneSession(sc)
	return nil
}

// ExpireSessions marks active sessions idle since before the cutoff as expired.
func (s *InMemoryStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for id, sc := range s.sessions {
		if sc.Status == models.SessionStatusActive && sc.LastActivity.Before(cutoff) {
			sc.Status = models.SessionStatusExpired
			s.sessions[id] = sc
			expired++
		}
	}
	return expired, nil
}

// AddInteraction appends an interaction record for a session.
func (s *InMemoryStore) AddInteraction(ctx context.Context, in models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[in.SessionID] = append(s.interactions[in.SessionID], in)
	return nil
}

// ListInteractions returns a session's interactions ordered by creation time.
func (s *InMemoryStore) ListInteractions(ctx context.Context, sessionID string) ([]models.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Interaction, len(s.interactions[sessionID]))
	copy(out, s.interactions[sessionID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// cloneSession deep-copies the mutable parts so callers cannot alias the
// store's internal state.
func cloneSession(sc models.SessionContext) models.SessionContext {
	out := sc
	if sc.UserResponses != nil {
		out.UserResponses = make([]models.StepResponse, len(sc.UserResponses))
		copy(out.UserResponses, sc.UserResponses)
	}
	if sc.Metadata != nil {
		out.Metadata = make(map[string]string, len(sc.Metadata))
		for k, v := range sc.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
