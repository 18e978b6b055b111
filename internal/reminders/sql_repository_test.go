package reminders

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	coredatabase "github.com/m3rciful/apptbot/core/database"
	"github.com/m3rciful/apptbot/migrations"
)

func newSQLRepository(t *testing.T) *SQLRepository {
	t.Helper()
	cfg := coredatabase.Config{Driver: coredatabase.DriverSQLite, Path: filepath.Join(t.TempDir(), "reminders.db")}
	if err := cfg.Normalize(); err != nil {
		t.Fatal(err)
	}
	if err := coredatabase.RunMigrations(cfg, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := coredatabase.Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLRepository(db, time.UTC)
}

func TestSQLRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newSQLRepository(t)
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id string, offset time.Duration, chat int64) Reminder {
		return Reminder{
			ID: id, AppointmentID: "appt-1", ChatID: chat, Offset: offset,
			AppointmentAt: at, FireAt: at.Add(-offset), Message: Message(offset),
			Status: StatusPending, CreatedAt: at.Add(-48 * time.Hour),
		}
	}
	if err := repo.Insert(ctx, []Reminder{mk("r1", time.Hour, 5), mk("r12", 12*time.Hour, 5), mk("r3", 3*time.Hour, 5), mk("other", time.Hour, 6)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := repo.Pending(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 || pending[0].ID != "r12" || pending[2].ID != "r1" {
		t.Fatalf("pending = %+v", pending)
	}
	if !pending[0].FireAt.Equal(at.Add(-12*time.Hour)) || pending[0].Offset != 12*time.Hour {
		t.Fatalf("round trip = %+v", pending[0])
	}

	now := at.Add(-2 * time.Hour)
	due, err := repo.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != "r12" || due[1].ID != "r3" {
		t.Fatalf("due = %+v", due)
	}

	ok, err := repo.Claim(ctx, "r12", now)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, _ := repo.Claim(ctx, "r12", now); ok {
		t.Fatal("reminder claimed twice")
	}

	ok, _ = repo.Claim(ctx, "r3", now)
	if !ok {
		t.Fatal("claim r3 failed")
	}
	if err := repo.Release(ctx, "r3", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if due, _ := repo.Due(ctx, now, 10); len(due) != 0 {
		t.Fatalf("released reminder due before retry: %+v", due)
	}
	due, _ = repo.Due(ctx, now.Add(2*time.Minute), 10)
	if len(due) != 1 || due[0].ID != "r3" || due[0].Attempts != 1 || !due[0].RetryAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("due after retry = %+v", due)
	}
	if err := repo.MarkExpired(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	pending, _ = repo.Pending(ctx, 5)
	if len(pending) != 1 || pending[0].ID != "r3" || !pending[0].SentAt.IsZero() {
		t.Fatalf("pending after updates = %+v", pending)
	}
}

func TestSchedulerWithSQLRepository(t *testing.T) {
	ctx := context.Background()
	repo := newSQLRepository(t)
	s, c, _ := newScheduler(t, time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), repo)
	if _, err := s.Schedule(ctx, 9, "appt-9", "2025-01-05", "14:30"); err != nil {
		t.Fatal(err)
	}
	c.Set(time.Date(2025, 1, 5, 14, 0, 0, 0, time.UTC))
	n := &fakeNotifier{}
	if sent, err := s.scan(ctx, n); err != nil || sent != 3 {
		t.Fatalf("sent = %d, %v", sent, err)
	}
	if sent, _ := s.scan(ctx, n); sent != 0 {
		t.Fatal("reminders fired twice")
	}
}
