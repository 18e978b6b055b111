package reminders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m3rciful/apptbot/internal/events"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{chatID, text})
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close() error { return nil }

func newScheduler(t *testing.T, now time.Time, repo Repository) (*Scheduler, *clock, *recordingPublisher) {
	t.Helper()
	c := &clock{now: now}
	pub := &recordingPublisher{}
	s := NewScheduler(repo, Options{Location: time.UTC, Now: c.Now, Publisher: pub})
	return s, c, pub
}

func TestScheduleComputesFireTimes(t *testing.T) {
	s, _, _ := newScheduler(t, time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), NewMemoryRepository())

	rs, err := s.Schedule(context.Background(), 5, "appt-1", "2025-01-05", "14:30")
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(2025, 1, 5, 2, 30, 0, 0, time.UTC),
		time.Date(2025, 1, 5, 11, 30, 0, 0, time.UTC),
		time.Date(2025, 1, 5, 13, 30, 0, 0, time.UTC),
	}
	if len(rs) != len(want) {
		t.Fatalf("reminders = %d, want %d", len(rs), len(want))
	}
	for i, r := range rs {
		if !r.FireAt.Equal(want[i]) {
			t.Fatalf("reminder %d fires at %s, want %s", i, r.FireAt, want[i])
		}
		if r.Status != StatusPending || r.ChatID != 5 || r.AppointmentID != "appt-1" {
			t.Fatalf("reminder %d = %+v", i, r)
		}
	}
	if rs[0].Message != "Reminder: Your appointment is in 12 hours!" || rs[2].Message != "Reminder: Your appointment is in 1 hour!" {
		t.Fatalf("messages = %q, %q", rs[0].Message, rs[2].Message)
	}

	pending, err := s.Pending(context.Background(), 5)
	if err != nil || len(pending) != 3 {
		t.Fatalf("pending = %v, %v", pending, err)
	}
}

func TestScheduleRejectsUnparseableTime(t *testing.T) {
	repo := NewMemoryRepository()
	s, _, _ := newScheduler(t, time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), repo)

	_, err := s.Schedule(context.Background(), 5, "appt-1", "tomorrow", "14:30")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if pe.Date != "tomorrow" || !IsParseError(err) {
		t.Fatalf("parse error = %+v", pe)
	}
	var te *time.ParseError
	if !errors.As(err, &te) {
		t.Fatal("ParseError must wrap *time.ParseError")
	}
	if pending, _ := repo.Pending(context.Background(), 5); len(pending) != 0 {
		t.Fatalf("stored %d reminders for bad input", len(pending))
	}
}

func TestScheduleSkipsPastFireTimes(t *testing.T) {
	s, _, _ := newScheduler(t, time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC), NewMemoryRepository())

	rs, err := s.Schedule(context.Background(), 5, "appt-1", "2025-01-05", "14:30")
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || rs[0].Offset != time.Hour {
		t.Fatalf("reminders = %+v", rs)
	}

	rs, err = s.Schedule(context.Background(), 5, "appt-2", "2020-01-05", "14:30")
	if err != nil || len(rs) != 0 {
		t.Fatalf("past appointment scheduled %v, %v", rs, err)
	}
}

func TestScanFiresOnce(t *testing.T) {
	ctx := context.Background()
	s, c, pub := newScheduler(t, time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), NewMemoryRepository())
	if _, err := s.Schedule(ctx, 5, "appt-1", "2025-01-05", "14:30"); err != nil {
		t.Fatal(err)
	}
	n := &fakeNotifier{}

	if sent, err := s.scan(ctx, n); err != nil || sent != 0 {
		t.Fatalf("early scan sent %d, %v", sent, err)
	}

	c.Set(time.Date(2025, 1, 5, 11, 45, 0, 0, time.UTC))
	if sent, err := s.scan(ctx, n); err != nil || sent != 2 {
		t.Fatalf("scan sent %d, %v", sent, err)
	}
	if sent, _ := s.scan(ctx, n); sent != 0 {
		t.Fatalf("reminders fired twice (%d)", sent)
	}

	c.Set(time.Date(2025, 1, 5, 13, 30, 0, 0, time.UTC))
	if sent, _ := s.scan(ctx, n); sent != 1 {
		t.Fatalf("last reminder not sent (%d)", sent)
	}

	if len(n.sent) != 3 {
		t.Fatalf("notifications = %+v", n.sent)
	}
	if n.sent[0].text != "Reminder: Your appointment is in 12 hours!" || n.sent[2].text != "Reminder: Your appointment is in 1 hour!" {
		t.Fatalf("notifications = %+v", n.sent)
	}
	if len(pub.events) != 3 || pub.events[0].Type != events.TypeReminderSent {
		t.Fatalf("events = %+v", pub.events)
	}
}

func TestScanExpiresMissedReminders(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	s, c, _ := newScheduler(t, time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), repo)
	if _, err := s.Schedule(ctx, 5, "appt-1", "2025-01-05", "14:30"); err != nil {
		t.Fatal(err)
	}

	// The process was down through the appointment.
	c.Set(time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC))
	n := &fakeNotifier{}
	if sent, err := s.scan(ctx, n); err != nil || sent != 0 {
		t.Fatalf("scan sent %d, %v", sent, err)
	}
	if len(n.sent) != 0 {
		t.Fatalf("expired reminders fired: %+v", n.sent)
	}
	if pending, _ := repo.Pending(ctx, 5); len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestScanRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newScheduler(t, time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), NewMemoryRepository())
	if _, err := s.Schedule(ctx, 5, "appt-1", "2025-01-05", "14:30"); err != nil {
		t.Fatal(err)
	}
	c.Set(time.Date(2025, 1, 5, 3, 0, 0, 0, time.UTC))

	n := &fakeNotifier{err: errors.New("telegram unavailable")}
	if sent, _ := s.scan(ctx, n); sent != 0 {
		t.Fatalf("sent = %d", sent)
	}
	n.err = nil
	if sent, _ := s.scan(ctx, n); sent != 0 {
		t.Fatalf("retried before the backoff elapsed (%d)", sent)
	}
	c.Set(time.Date(2025, 1, 5, 3, 0, 30, 0, time.UTC))
	if sent, _ := s.scan(ctx, n); sent != 1 {
		t.Fatalf("retry sent = %d", sent)
	}
}

func TestFailingReminderDoesNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := &clock{now: time.Date(2025, 1, 5, 10, 10, 0, 0, time.UTC)}
	s := NewScheduler(repo, Options{Location: time.UTC, Now: c.Now, BatchSize: 1, ScanInterval: 30 * time.Second})

	at := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	mk := func(id string, chat int64, fireAt time.Time) Reminder {
		return Reminder{ID: id, ChatID: chat, AppointmentAt: at, FireAt: fireAt, Message: "hi", Status: StatusPending}
	}
	if err := repo.Insert(ctx, []Reminder{
		mk("blocked", 1, time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)),
		mk("fresh", 2, time.Date(2025, 1, 5, 10, 5, 0, 0, time.UTC)),
	}); err != nil {
		t.Fatal(err)
	}

	var delivered []int64
	n := NotifierFunc(func(_ context.Context, chatID int64, _ string) error {
		if chatID == 1 {
			return errors.New("bot was blocked by the user")
		}
		delivered = append(delivered, chatID)
		return nil
	})

	// The oldest reminder goes first and fails.
	if sent, _ := s.scan(ctx, n); sent != 0 {
		t.Fatalf("sent = %d", sent)
	}
	// It is held back, so the next batch reaches the newer one.
	if sent, _ := s.scan(ctx, n); sent != 1 || len(delivered) != 1 {
		t.Fatalf("sent = %d delivered = %v", sent, delivered)
	}

	// Past the backoff, a reminder that never failed still wins.
	if err := repo.Insert(ctx, []Reminder{mk("later", 3, time.Date(2025, 1, 5, 10, 8, 0, 0, time.UTC))}); err != nil {
		t.Fatal(err)
	}
	c.Set(time.Date(2025, 1, 5, 10, 11, 0, 0, time.UTC))
	if sent, _ := s.scan(ctx, n); sent != 1 || delivered[len(delivered)-1] != 3 {
		t.Fatalf("sent = %d delivered = %v", sent, delivered)
	}

	due, _ := repo.Due(ctx, c.Now(), 10)
	if len(due) != 1 || due[0].ID != "blocked" || due[0].Attempts != 1 {
		t.Fatalf("due = %+v", due)
	}
}

func TestRetryDelayBacksOff(t *testing.T) {
	s := NewScheduler(NewMemoryRepository(), Options{ScanInterval: time.Minute})
	cases := map[int]time.Duration{
		1:  time.Minute,
		2:  2 * time.Minute,
		3:  4 * time.Minute,
		7:  maxRetryDelay,
		40: maxRetryDelay,
	}
	for attempts, want := range cases {
		if got := s.retryDelay(attempts); got != want {
			t.Errorf("retryDelay(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(NewMemoryRepository(), Options{ScanInterval: time.Millisecond})
	done := make(chan struct{})
	go func() {
		s.Run(ctx, &fakeNotifier{})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMessage(t *testing.T) {
	cases := map[time.Duration]string{
		12 * time.Hour:   "Reminder: Your appointment is in 12 hours!",
		time.Hour:        "Reminder: Your appointment is in 1 hour!",
		30 * time.Minute: "Reminder: Your appointment is in 30 minutes!",
	}
	for offset, want := range cases {
		if got := Message(offset); got != want {
			t.Fatalf("Message(%s) = %q, want %q", offset, got, want)
		}
	}
}
