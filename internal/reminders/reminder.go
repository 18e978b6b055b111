// Package reminders schedules one-shot notifications before appointments and
// fires them from a background scan.
package reminders

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout is the format of the combined date and time entered by the user.
const Layout = "2006-01-02 15:04"

// Status of a stored reminder.
type Status string

// Reminder statuses.
const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	// StatusExpired marks reminders whose appointment passed before they could fire.
	StatusExpired Status = "expired"
)

// Reminder is a single scheduled notification.
type Reminder struct {
	ID            string
	AppointmentID string
	ChatID        int64
	Offset        time.Duration
	AppointmentAt time.Time
	FireAt        time.Time
	Message       string
	Status        Status
	CreatedAt     time.Time
	SentAt        time.Time

	// Attempts counts failed deliveries; RetryAt holds the reminder back
	// until the next try is allowed.
	Attempts int
	RetryAt  time.Time
}

// ParseError reports a date or time that does not match Layout.
type ParseError struct {
	Date string
	Time string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("reminders: cannot parse appointment time %q: %v", strings.TrimSpace(e.Date+" "+e.Time), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Code is the stable log code for parse failures.
func (e *ParseError) Code() string { return "APPOINTMENT_TIME_INVALID" }

// ParseAppointment combines date and time and parses them in loc.
func ParseAppointment(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	at, err := time.ParseInLocation(Layout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
	if err != nil {
		return time.Time{}, &ParseError{Date: date, Time: clock, Err: err}
	}
	return at, nil
}

// IsParseError reports whether err carries a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Message renders the reminder text for an offset.
func Message(offset time.Duration) string {
	if offset%time.Hour == 0 {
		h := int(offset / time.Hour)
		if h == 1 {
			return "Reminder: Your appointment is in 1 hour!"
		}
		return fmt.Sprintf("Reminder: Your appointment is in %d hours!", h)
	}
	m := int(offset / time.Minute)
	if m == 1 {
		return "Reminder: Your appointment is in 1 minute!"
	}
	return fmt.Sprintf("Reminder: Your appointment is in %d minutes!", m)
}
