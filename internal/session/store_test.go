package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, Session{ID: "s1", UserID: "u"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, Session{ID: "s1", Flashes: []Flash{{Title: "a"}}}, time.Minute)

	got, _ := store.Get(ctx, "s1")
	got.Flashes[0].Title = "changed"

	again, _ := store.Get(ctx, "s1")
	if again.Flashes[0].Title != "a" {
		t.Fatalf("store must not share flash slices with callers")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store := NewRedisStore(client, "test:session:")
	ctx := context.Background()
	s := Session{ID: "s-redis", UserID: "u-1", AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}

	if err := store.Save(ctx, s, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u-1" || !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Fatalf("unexpected session %+v", got)
	}
	if err := store.Delete(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, s.ID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after delete, got %v", err)
	}
}
