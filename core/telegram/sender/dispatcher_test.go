package sender

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m3rciful/apptbot/core/logger"
)

func TestDispatcherDoReturnsResult(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, RetryBackoff: time.Millisecond})
	defer d.Close()

	var calls atomic.Int32
	err := d.Do(context.Background(), "send.text", "sendMessage", func() error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond})
	defer d.Close()

	var calls atomic.Int32
	err := d.Do(context.Background(), "send.text", "sendMessage", func() error {
		if calls.Add(1) < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 5, RetryBackoff: time.Millisecond})
	defer d.Close()

	boom := errors.New("bad request: chat not found")
	var calls atomic.Int32
	err := d.Do(context.Background(), "send.text", "sendMessage", func() error {
		calls.Add(1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls.Load() != 1 || d.errorCount() != 1 {
		t.Fatalf("calls = %d errors = %d", calls.Load(), d.errorCount())
	}
}

func TestDispatcherLogsFailureTotal(t *testing.T) {
	var buf bytes.Buffer
	prev := logger.L
	logger.L = slog.New(slog.NewTextHandler(&buf, nil))
	defer func() { logger.L = prev }()

	d := NewDispatcher(Options{Workers: 1, RetryBackoff: time.Millisecond})
	defer d.Close()

	fail := func() error { return errors.New("bad request: chat not found") }
	_ = d.Do(context.Background(), "send.text", "sendMessage", fail)
	_ = d.Do(context.Background(), "send.text", "sendMessage", fail)

	out := buf.String()
	if !strings.Contains(out, "event=send.fail") || !strings.Contains(out, "failures_total=2") {
		t.Fatalf("log = %s", out)
	}
}

func TestDispatcherClosed(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1})
	d.Close()
	d.Close()
	if err := d.Enqueue(context.Background(), "send.text", "", func() error { return nil }); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
}

func TestSanitizeError(t *testing.T) {
	err := errors.New(`Post "https://api.telegram.org/bot123456:AAH-secret_x/sendMessage": timeout`)
	got := SanitizeError(err)
	if got != `Post "https://api.telegram.org/bot<redacted>/sendMessage": timeout` {
		t.Fatalf("SanitizeError = %s", got)
	}
}
