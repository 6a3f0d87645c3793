// Package store provides storage backends for MindPipe.
//
// This file implements a Redis-backed store, suitable for deployments
// that already keep session state in Redis.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindshift-labs/mindpipe/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix      = "mindpipe:session:"
	interactionsKeyPrefix = "mindpipe:interactions:"

	// redisConnectTimeout bounds the startup ping.
	redisConnectTimeout = 5 * time.Second
)

// RedisStore implements Store on top of a Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store from a redis:// URL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("RedisStore.NewRedisStore: creating Redis store", "url_set", cfg.RedisURL != "")

	if cfg.RedisURL == "" {
		slog.Error("RedisStore URL not set")
		return nil, fmt.Errorf("redis URL not set")
	}

	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID string) string      { return sessionKeyPrefix + sessionID }
func interactionsKey(sessionID string) string { return interactionsKeyPrefix + sessionID }

// CreateSession stores a new session context, rejecting duplicates via SETNX.
func (s *RedisStore) CreateSession(ctx context.Context, sc models.SessionContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	set, err := s.client.SetNX(ctx, sessionKey(sc.SessionID), data, 0).Result()
	if err != nil {
		slog.Error("RedisStore CreateSession failed", "error", err, "sessionID", sc.SessionID)
		return fmt.Errorf("create session %s: %w", sc.SessionID, err)
	}
	if !set {
		slog.Debug("RedisStore CreateSession duplicate", "sessionID", sc.SessionID)
		return models.ErrDuplicateSession
	}
	return nil
}

// GetSession loads a session context, returning (nil, nil) when absent.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var sc models.SessionContext
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &sc, nil
}

// SaveSession overwrites the stored context, last writer wins.
func (s *RedisStore) SaveSession(ctx context.Context, sc models.SessionContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sc.SessionID), data, 0).Err(); err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "sessionID", sc.SessionID)
		return fmt.Errorf("save session %s: %w", sc.SessionID, err)
	}
	return nil
}

// ExpireSessions marks active sessions idle since before the cutoff as
// expired. Sessions are scanned by key prefix; a concurrent transition
// on a scanned session wins over the expiry (last writer).
func (s *RedisStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	expired := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			slog.Error("RedisStore ExpireSessions scan failed", "error", err)
			return expired, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return expired, fmt.Errorf("load session at %s: %w", key, err)
			}
			var sc models.SessionContext
			if err := json.Unmarshal([]byte(data), &sc); err != nil {
				return expired, fmt.Errorf("unmarshal session at %s: %w", key, err)
			}
			if sc.Status != models.SessionStatusActive || !sc.LastActivity.Before(cutoff) {
				continue
			}
			sc.Status = models.SessionStatusExpired
			updated, err := json.Marshal(sc)
			if err != nil {
				return expired, fmt.Errorf("marshal session %s: %w", sc.SessionID, err)
			}
			if err := s.client.Set(ctx, key, updated, 0).Err(); err != nil {
				return expired, fmt.Errorf("expire session %s: %w", sc.SessionID, err)
			}
			expired++
		}
		cursor = next
		if cursor == 0 {
			return expired, nil
		}
	}
}

// AddInteraction appends an interaction record to the session's list.
func (s *RedisStore) AddInteraction(ctx context.Context, in models.Interaction) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}
	if err := s.client.RPush(ctx, interactionsKey(in.SessionID), data).Err(); err != nil {
		slog.Error("RedisStore AddInteraction failed", "error", err, "sessionID", in.SessionID)
		return fmt.Errorf("append interaction for %s: %w", in.SessionID, err)
	}
	return nil
}

// ListInteractions returns a session's interactions in insertion order.
func (s *RedisStore) ListInteractions(ctx context.Context, sessionID string) ([]models.Interaction, error) {
	items, err := s.client.LRange(ctx, interactionsKey(sessionID), 0, -1).Result()
	if err != nil {
		slog.Error("RedisStore ListInteractions failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("list interactions for %s: %w", sessionID, err)
	}
	var interactions []models.Interaction
	for _, item := range items {
		var in models.Interaction
		if err := json.Unmarshal([]byte(item), &in); err != nil {
			return nil, fmt.Errorf("unmarshal interaction: %w", err)
		}
		interactions = append(interactions, in)
	}
	return interactions, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
