// Package booking drives the appointment conversation: six prompts, a
// confirm/cancel choice, then a durable write and reminder scheduling.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/apptbot/core/logger"
	"github.com/m3rciful/apptbot/core/telegram/state"
	"github.com/m3rciful/apptbot/core/tracing"
	"github.com/m3rciful/apptbot/internal/appointments"
	"github.com/m3rciful/apptbot/internal/events"
	"github.com/m3rciful/apptbot/internal/reminders"
)

// Conversation steps, in order.
const (
	StepID           state.State = "awaiting_id"
	StepFirstName    state.State = "awaiting_first_name"
	StepDate         state.State = "awaiting_date"
	StepTime         state.State = "awaiting_time"
	StepReason       state.State = "awaiting_reason"
	StepPhone        state.State = "awaiting_phone_number"
	StepConfirmation state.State = "awaiting_confirmation"
)

// Session keys of the collected fields.
const (
	FieldID        = "id"
	FieldFirstName = "first_name"
	FieldDate      = "date"
	FieldTime      = "time"
	FieldReason    = "reason"
	FieldPhone     = "phone_number"
)

// Choice values carried by the confirmation buttons.
const (
	ChoiceConfirm = "confirm"
	ChoiceCancel  = "cancel"
)

// User-facing texts.
const (
	TextWelcome       = "Welcome to the Appointment Booking Bot! Please provide your ID."
	TextAskFirstName  = "Thanks! Now, please provide your first name."
	TextAskTime       = "Great! Now, please choose a time (e.g., 14:30)."
	TextAskReason     = "Please tell me the reason for the appointment."
	TextAskPhone      = "Please provide your phone number (e.g., 0712345678)."
	TextConfirmed     = "Your appointment has been confirmed!"
	TextChoiceCancel  = "Appointment canceled."
	TextCanceled      = "Appointment booking canceled."
	TextStale         = "This booking is no longer active. Send /start to book again."
	TextSaveFailed    = "Sorry, we could not save your appointment. Please try again later."
	TextBadTimestamp  = "Your appointment is saved, but reminders could not be set because the date or time is not in the YYYY-MM-DD HH:MM format."
	TextReminderError = "Your appointment is saved, but reminders could not be set right now."
)

func askDate(name string) string {
	return fmt.Sprintf("Got it, %s! Now, please select a date for your appointment (e.g., 2025-01-05).", name)
}

// step describes one free-text question: the field it fills and what comes next.
type step struct {
	field  string
	next   state.State
	prompt func(value string) string
}

var steps = map[state.State]step{
	StepID:        {field: FieldID, next: StepFirstName, prompt: func(string) string { return TextAskFirstName }},
	StepFirstName: {field: FieldFirstName, next: StepDate, prompt: askDate},
	StepDate:      {field: FieldDate, next: StepTime, prompt: func(string) string { return TextAskTime }},
	StepTime:      {field: FieldTime, next: StepReason, prompt: func(string) string { return TextAskReason }},
	StepReason:    {field: FieldReason, next: StepPhone, prompt: func(string) string { return TextAskPhone }},
	StepPhone:     {field: FieldPhone, next: StepConfirmation},
}

// Option is one button of a choice.
type Option struct {
	Label string
	Value string
}

// ConfirmOptions are offered once every field is collected.
var ConfirmOptions = []Option{
	{Label: "Confirm", Value: ChoiceConfirm},
	{Label: "Cancel", Value: ChoiceCancel},
}

// Reply is what the gateway should show in response to an input.
type Reply struct {
	Text    string
	Options []Option
	// Edit replaces the message that carried the choice and removes its buttons.
	Edit bool
	// FollowUp is sent as a separate message after Text.
	FollowUp string
}

// Empty reports whether there is nothing to send.
func (r Reply) Empty() bool { return r.Text == "" && r.FollowUp == "" }

// RecordStore persists confirmed appointments.
type RecordStore interface {
	Append(ctx context.Context, rec appointments.Record) error
}

// ReminderScheduler registers reminders for a confirmed appointment.
type ReminderScheduler interface {
	Schedule(ctx context.Context, chatID int64, appointmentID, date, clock string) ([]reminders.Reminder, error)
}

// Flow runs the booking conversation for every chat.
type Flow struct {
	sessions  state.Manager
	store     RecordStore
	scheduler ReminderScheduler
	publisher events.Publisher
	newID     func() string
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*chatLock
}

// chatLock is dropped from the table once nobody holds or waits on it.
type chatLock struct {
	mu   sync.Mutex
	refs int
}

// NewFlow wires the flow to its collaborators. publisher may be nil.
func NewFlow(sessions state.Manager, store RecordStore, scheduler ReminderScheduler, publisher events.Publisher) *Flow {
	if publisher == nil {
		publisher = events.Nop()
	}
	return &Flow{
		sessions:  sessions,
		store:     store,
		scheduler: scheduler,
		publisher: publisher,
		newID:     uuid.NewString,
		now:       time.Now,
		locks:     make(map[int64]*chatLock),
	}
}

// lock serializes updates of one chat; different chats never block each other.
func (f *Flow) lock(chatID int64) func() {
	f.locksMu.Lock()
	l, ok := f.locks[chatID]
	if !ok {
		l = &chatLock{}
		f.locks[chatID] = l
	}
	l.refs++
	f.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.locks, chatID)
		}
		f.locksMu.Unlock()
	}
}

// heldLocks reports how many chats currently have a lock entry.
func (f *Flow) heldLocks() int {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	return len(f.locks)
}

// InProgress reports whether the chat is in the middle of a booking.
func (f *Flow) InProgress(ctx context.Context, chatID int64) bool {
	return f.sessions.InProgress(ctx, chatID)
}

// Start discards any previous session and asks for the ID.
func (f *Flow) Start(ctx context.Context, chatID int64) (Reply, error) {
	defer f.lock(chatID)()

	if err := f.sessions.Save(ctx, chatID, state.NewSession(StepID)); err != nil {
		return Reply{Text: TextSaveFailed}, fmt.Errorf("booking: start: %w", err)
	}
	logger.Info(ctx, logger.CompBooking, "start",
		slog.String("status", "ok"),
		slog.String("step", string(StepID)),
	)
	return Reply{Text: TextWelcome}, nil
}

// HandleText stores text verbatim in the current field and returns the next
// prompt. Commands and text sent while a choice is pending are ignored.
func (f *Flow) HandleText(ctx context.Context, chatID int64, text string) (Reply, error) {
	defer f.lock(chatID)()

	if strings.HasPrefix(text, "/") {
		return Reply{}, nil
	}
	sess, err := f.sessions.Get(ctx, chatID)
	if errors.Is(err, state.ErrNotFound) {
		return Reply{}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("booking: load session: %w", err)
	}

	st, ok := steps[sess.State]
	if !ok {
		logger.Debug(ctx, logger.CompBooking, "text.ignored",
			slog.String("status", "skip"),
			slog.String("step", string(sess.State)),
		)
		return Reply{}, nil
	}

	sess.Set(st.field, text)
	sess.State = st.next
	if err := f.sessions.Save(ctx, chatID, sess); err != nil {
		return Reply{}, fmt.Errorf("booking: save session: %w", err)
	}
	logger.Info(ctx, logger.CompBooking, "step.advanced",
		slog.String("status", "ok"),
		slog.String("step", string(st.next)),
	)

	if st.next == StepConfirmation {
		return Reply{Text: Summary(recordFrom(sess)), Options: ConfirmOptions}, nil
	}
	return Reply{Text: st.prompt(text)}, nil
}

// Choose handles a press on the confirmation buttons.
func (f *Flow) Choose(ctx context.Context, chatID int64, value string) (Reply, error) {
	defer f.lock(chatID)()

	sess, err := f.sessions.Get(ctx, chatID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return Reply{Text: TextSaveFailed}, fmt.Errorf("booking: load session: %w", err)
	}
	if err != nil || sess.State != StepConfirmation {
		logger.Info(ctx, logger.CompBooking, "choice.stale", slog.String("status", "skip"), slog.String("outcome", "stale"))
		return Reply{Text: TextStale, Edit: true}, nil
	}

	switch value {
	case ChoiceCancel:
		if err := f.sessions.Clear(ctx, chatID); err != nil {
			return Reply{Text: TextChoiceCancel, Edit: true}, fmt.Errorf("booking: clear session: %w", err)
		}
		logger.Info(ctx, logger.CompBooking, "choice", slog.String("status", "ok"), slog.String("outcome", "cancelled"))
		return Reply{Text: TextChoiceCancel, Edit: true}, nil
	case ChoiceConfirm:
		return f.confirm(ctx, chatID, sess)
	}
	return Reply{}, fmt.Errorf("booking: unknown choice %q", value)
}

func (f *Flow) confirm(ctx context.Context, chatID int64, sess *state.Session) (reply Reply, err error) {
	ctx, span := tracing.Start(ctx, "booking.confirm")
	defer func() { tracing.End(span, err) }()

	rec := recordFrom(sess)
	appointmentID := f.newID()

	if err := f.store.Append(ctx, rec); err != nil {
		// The session stays so the user can press Confirm again.
		logger.Error(ctx, logger.CompBooking, "confirm",
			append([]slog.Attr{slog.String("status", "fail"), slog.String("appointment_id", appointmentID)}, logger.Err(err)...)...)
		return Reply{Text: TextSaveFailed}, fmt.Errorf("booking: save appointment: %w", err)
	}
	if err := f.sessions.Clear(ctx, chatID); err != nil {
		logger.Warn(ctx, logger.CompBooking, "session.clear", logger.Err(err)...)
	}

	reply = Reply{Text: TextConfirmed, Edit: true}
	scheduled, serr := f.scheduler.Schedule(ctx, chatID, appointmentID, rec.Date, rec.Time)
	switch {
	case reminders.IsParseError(serr):
		reply.FollowUp = TextBadTimestamp
	case serr != nil:
		logger.Error(ctx, logger.CompBooking, "reminders.schedule", logger.Err(serr)...)
		reply.FollowUp = TextReminderError
	}

	f.publisher.Publish(ctx, events.Event{
		Type:       events.TypeAppointmentConfirmed,
		Key:        appointmentID,
		OccurredAt: f.now(),
		Payload: map[string]any{
			"appointment_id": appointmentID,
			"chat_id":        chatID,
			"id":             rec.ID,
			"first_name":     rec.FirstName,
			"date":           rec.Date,
			"time":           rec.Time,
			"reason":         rec.Reason,
			"phone_number":   rec.Phone,
			"reminders":      len(scheduled),
		},
	})

	logger.Info(ctx, logger.CompBooking, "confirm",
		slog.String("status", "ok"),
		slog.String("outcome", "confirmed"),
		slog.String("appointment_id", appointmentID),
		slog.Int("reminders", len(scheduled)),
	)
	return reply, nil
}

// Cancel ends any booking in progress.
func (f *Flow) Cancel(ctx context.Context, chatID int64) (Reply, error) {
	defer f.lock(chatID)()

	if err := f.sessions.Clear(ctx, chatID); err != nil {
		return Reply{Text: TextCanceled}, fmt.Errorf("booking: clear session: %w", err)
	}
	logger.Info(ctx, logger.CompBooking, "cancel", slog.String("status", "ok"), slog.String("outcome", "cancelled"))
	return Reply{Text: TextCanceled}, nil
}

func recordFrom(s *state.Session) appointments.Record {
	return appointments.Record{
		ID:        s.Value(FieldID),
		FirstName: s.Value(FieldFirstName),
		Date:      s.Value(FieldDate),
		Time:      s.Value(FieldTime),
		Reason:    s.Value(FieldReason),
		Phone:     s.Value(FieldPhone),
	}
}

// Summary renders the details shown with the confirmation buttons.
func Summary(r appointments.Record) string {
	var b strings.Builder
	b.WriteString("Please confirm your appointment details:\n")
	fmt.Fprintf(&b, "ID: %s\n", r.ID)
	fmt.Fprintf(&b, "Name: %s\n", r.FirstName)
	fmt.Fprintf(&b, "Date: %s\n", r.Date)
	fmt.Fprintf(&b, "Time: %s\n", r.Time)
	fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	fmt.Fprintf(&b, "Phone Number: %s", r.Phone)
	return b.String()
}
