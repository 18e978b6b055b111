package state

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateAsking State = "asking"

func exerciseManager(t *testing.T, m Manager) {
	t.Helper()
	ctx := context.Background()
	const chat = int64(1001)

	if _, err := m.Get(ctx, chat); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get empty: err = %v, want ErrNotFound", err)
	}
	if m.InProgress(ctx, chat) {
		t.Fatal("empty chat reported in progress")
	}

	s := NewSession(stateAsking)
	s.Set("name", "Jane")
	if err := m.Save(ctx, chat, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Mutating the caller's copy must not leak into storage.
	s.Set("name", "Mallory")

	got, err := m.Get(ctx, chat)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != stateAsking || got.Value("name") != "Jane" {
		t.Fatalf("session = %+v", got)
	}
	if !m.InProgress(ctx, chat) {
		t.Fatal("expected chat in progress")
	}
	if m.InProgress(ctx, chat+1) {
		t.Fatal("sessions must be isolated per chat")
	}

	if err := m.Save(ctx, chat, NewSession(StateIdle)); err != nil {
		t.Fatal(err)
	}
	if m.InProgress(ctx, chat) {
		t.Fatal("idle session reported in progress")
	}

	if err := m.Clear(ctx, chat); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := m.Get(ctx, chat); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after clear: err = %v", err)
	}
}

func TestMemoryManager(t *testing.T) {
	exerciseManager(t, NewMemoryManager(0))
}

func TestMemoryManagerExpiry(t *testing.T) {
	now := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	m := NewMemoryManager(time.Hour).(*memoryManager)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	if err := m.Save(ctx, 7, NewSession(stateAsking)); err != nil {
		t.Fatal(err)
	}
	now = now.Add(59 * time.Minute)
	if !m.InProgress(ctx, 7) {
		t.Fatal("session expired too early")
	}
	now = now.Add(2 * time.Minute)
	if _, err := m.Get(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisManager(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := "apptbot:test:" + time.Now().Format("150405.000000")
	exerciseManager(t, NewRedisManager(client, prefix, time.Minute))
}

func TestRedisKey(t *testing.T) {
	m := NewRedisManager(nil, "", time.Minute).(*redisManager)
	if got := m.key(-100123); got != "apptbot:session:-100123" {
		t.Fatalf("key = %s", got)
	}
}
