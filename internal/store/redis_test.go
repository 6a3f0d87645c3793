package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(WithRedisURL("redis://" + mr.Addr()))
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStoreContract(t *testing.T) {
	storeContract(t, newTestRedisStore(t))
}

func TestRedisStoreRequiresURL(t *testing.T) {
	if _, err := NewRedisStore(); err == nil {
		t.Error("expected error when no Redis URL is configured")
	}
}

func TestRedisStorePing(t *testing.T) {
	s := newTestRedisStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
