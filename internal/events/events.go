// Package events publishes booking lifecycle events to Kafka.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeAppointmentConfirmed = "appointment.confirmed"
	TypeReminderSent         = "reminder.sent"
)

// Event is a domain fact. Key selects the partition; Payload is encoded as JSON.
type Event struct {
	Type       string
	Key        string
	OccurredAt time.Time
	Payload    any
}

// Publisher delivers events. Publishing is best effort: failures are logged
// by the implementation and never returned to callers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

type nopPublisher struct{}

// Nop returns a Publisher that drops every event.
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, Event) {}
func (nopPublisher) Close() error                   { return nil }
