package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/m3rciful/apptbot/core/logger"
	"github.com/m3rciful/apptbot/core/tracing"
	"github.com/m3rciful/apptbot/internal/events"
)

// DefaultOffsets fire reminders 12h, 3h and 1h before the appointment.
var DefaultOffsets = []time.Duration{12 * time.Hour, 3 * time.Hour, time.Hour}

// maxRetryDelay caps the backoff between failed deliveries.
const maxRetryDelay = time.Hour

// Notifier delivers a reminder text to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, chatID int64, text string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	Offsets      []time.Duration
	Location     *time.Location
	ScanInterval time.Duration
	BatchSize    int
	Publisher    events.Publisher
	Now          func() time.Time
}

// Scheduler computes reminder fire times and delivers due reminders.
type Scheduler struct {
	repo      Repository
	offsets   []time.Duration
	loc       *time.Location
	interval  time.Duration
	batchSize int
	publisher events.Publisher
	now       func() time.Time
}

// NewScheduler builds a Scheduler over repo.
func NewScheduler(repo Repository, opts Options) *Scheduler {
	if len(opts.Offsets) == 0 {
		opts.Offsets = DefaultOffsets
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		repo:      repo,
		offsets:   opts.Offsets,
		loc:       opts.Location,
		interval:  opts.ScanInterval,
		batchSize: opts.BatchSize,
		publisher: opts.Publisher,
		now:       opts.Now,
	}
}

// Schedule stores one reminder per offset for the appointment at date and
// clock. Fire times already in the past are skipped. An unparseable
// timestamp returns a *ParseError and stores nothing.
func (s *Scheduler) Schedule(ctx context.Context, chatID int64, appointmentID, date, clock string) ([]Reminder, error) {
	ctx, span := tracing.Start(ctx, "reminders.schedule", attribute.String("appointment.id", appointmentID))
	rs, err := s.schedule(ctx, chatID, appointmentID, date, clock)
	tracing.End(span, err)
	return rs, err
}

func (s *Scheduler) schedule(ctx context.Context, chatID int64, appointmentID, date, clock string) ([]Reminder, error) {
	at, err := ParseAppointment(date, clock, s.loc)
	if err != nil {
		logger.Warn(ctx, logger.CompRemind, "schedule",
			append([]slog.Attr{slog.String("status", "fail"), slog.String("appointment_id", appointmentID)}, logger.Err(err)...)...)
		return nil, err
	}

	now := s.now()
	var (
		out     []Reminder
		skipped int
	)
	for _, offset := range s.offsets {
		fireAt := at.Add(-offset)
		if !fireAt.After(now) {
			skipped++
			continue
		}
		out = append(out, Reminder{
			ID:            uuid.NewString(),
			AppointmentID: appointmentID,
			ChatID:        chatID,
			Offset:        offset,
			AppointmentAt: at,
			FireAt:        fireAt,
			Message:       Message(offset),
			Status:        StatusPending,
			CreatedAt:     now,
		})
	}
	if err := s.repo.Insert(ctx, out); err != nil {
		return nil, fmt.Errorf("reminders: store: %w", err)
	}

	logger.Info(ctx, logger.CompRemind, "schedule",
		slog.String("status", "ok"),
		slog.String("appointment_id", appointmentID),
		slog.Time("appointment_at", at),
		slog.Int("scheduled", len(out)),
		slog.Int("skipped", skipped),
	)
	return out, nil
}

// Pending returns the chat's reminders that have not fired yet.
func (s *Scheduler) Pending(ctx context.Context, chatID int64) ([]Reminder, error) {
	return s.repo.Pending(ctx, chatID)
}

// Run scans for due reminders immediately and then every scan interval
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context, n Notifier) {
	logger.Info(ctx, logger.CompRemind, "scanner.start",
		slog.String("status", "ok"),
		slog.Duration("interval", s.interval),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.scan(ctx, n); err != nil && ctx.Err() == nil {
			logger.Error(ctx, logger.CompRemind, "scan", append([]slog.Attr{slog.String("status", "fail")}, logger.Err(err)...)...)
		}
		select {
		case <-ctx.Done():
			logger.Info(context.Background(), logger.CompRemind, "scanner.stop", slog.String("status", "ok"))
			return
		case <-ticker.C:
		}
	}
}

// scan delivers one batch of due reminders and reports how many were sent.
func (s *Scheduler) scan(ctx context.Context, n Notifier) (int, error) {
	now := s.now()
	due, err := s.repo.Due(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if s.fire(ctx, n, r, now) {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) fire(ctx context.Context, n Notifier, r Reminder, now time.Time) bool {
	ctx = logger.WithChat(ctx, r.ChatID)
	base := []slog.Attr{
		slog.String("reminder_id", r.ID),
		slog.String("appointment_id", r.AppointmentID),
		slog.Time("fire_at", r.FireAt),
	}

	if !r.AppointmentAt.After(now) {
		if err := s.repo.MarkExpired(ctx, r.ID); err != nil {
			logger.Error(ctx, logger.CompRemind, "expire", append(append(base, slog.String("status", "fail")), logger.Err(err)...)...)
			return false
		}
		logger.Info(ctx, logger.CompRemind, "expire", append(base, slog.String("status", "skip"))...)
		return false
	}

	claimed, err := s.repo.Claim(ctx, r.ID, now)
	if err != nil {
		logger.Error(ctx, logger.CompRemind, "claim", append(append(base, slog.String("status", "fail")), logger.Err(err)...)...)
		return false
	}
	if !claimed {
		return false
	}

	ctx, span := tracing.Start(ctx, "reminders.fire", attribute.String("reminder.id", r.ID))
	err = n.Notify(ctx, r.ChatID, r.Message)
	tracing.End(span, err)
	if err != nil {
		attempts := r.Attempts + 1
		retryAt := now.Add(s.retryDelay(attempts))
		if rerr := s.repo.Release(ctx, r.ID, retryAt); rerr != nil {
			logger.Error(ctx, logger.CompRemind, "release", append(base, logger.Err(rerr)...)...)
		}
		attrs := append(base,
			slog.String("status", "fail"),
			slog.Int("attempts", attempts),
			slog.Time("retry_at", retryAt),
		)
		logger.Warn(ctx, logger.CompRemind, "fire", append(attrs, logger.Err(err)...)...)
		return false
	}

	logger.Info(ctx, logger.CompRemind, "fire", append(base, slog.String("status", "ok"))...)
	s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeReminderSent,
		Key:        r.AppointmentID,
		OccurredAt: now,
		Payload: map[string]any{
			"reminder_id":    r.ID,
			"appointment_id": r.AppointmentID,
			"chat_id":        r.ChatID,
			"offset_minutes": int64(r.Offset / time.Minute),
			"fire_at":        r.FireAt.UTC(),
		},
	})
	return true
}

// retryDelay doubles the scan interval for every failed attempt.
func (s *Scheduler) retryDelay(attempts int) time.Duration {
	d := s.interval
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
