// Package state keeps per-chat conversation sessions for Telegram bots.
// It is domain-agnostic: callers define their own states and data keys.
package state

import (
	"context"
	"errors"
	"time"
)

// State identifies a finite-state-machine step used in conversations.
type State string

// StateIdle indicates there is no active conversation in the chat.
const StateIdle State = "idle"

// ErrNotFound is returned by Get when the chat has no stored session.
var ErrNotFound = errors.New("state: session not found")

// Session stores conversation state and collected values for a chat.
type Session struct {
	State     State             `json:"state"`
	Data      map[string]string `json:"data,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewSession returns an empty session positioned at st.
func NewSession(st State) *Session {
	return &Session{State: st, Data: make(map[string]string)}
}

// Set stores a value collected during the conversation.
func (s *Session) Set(key, value string) {
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	s.Data[key] = value
}

// Value returns a collected value or "" when absent.
func (s *Session) Value(key string) string {
	if s == nil {
		return ""
	}
	return s.Data[key]
}

func (s *Session) clone() *Session {
	out := &Session{State: s.State, UpdatedAt: s.UpdatedAt, Data: make(map[string]string, len(s.Data))}
	for k, v := range s.Data {
		out.Data[k] = v
	}
	return out
}

// Manager stores sessions keyed by chat ID. Implementations return copies
// so callers can mutate a session and persist it with Save.
type Manager interface {
	// Get returns the chat's session or ErrNotFound.
	Get(ctx context.Context, chatID int64) (*Session, error)
	Save(ctx context.Context, chatID int64, s *Session) error
	Clear(ctx context.Context, chatID int64) error
	// InProgress reports whether the chat has a non-idle session.
	InProgress(ctx context.Context, chatID int64) bool
}
