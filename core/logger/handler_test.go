package logger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, format logFormat) (*slog.Logger, func() string) {
	t.Helper()
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	h := newStructuredHandler(handlerConfig{
		level:    slog.LevelDebug,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	return slog.New(h), func() string {
		if err := aw.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		return strings.TrimSpace(buf.String())
	}
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	log, read := newTestLogger(t, formatKV)
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	LogEvent(ctx, log.With("component", CompBooking), slog.LevelInfo, "step.advanced",
		slog.String("status", "OK"),
		slog.String("step", "awaiting_date"),
	)

	tokens := strings.Split(read(), " ")
	expected := []string{"ts=", "level=INFO", "component=booking", "event=step.advanced", "status=ok", "rid=rid-123", "update_id=42", "user_id=7", "chat_id=9", "step=awaiting_date"}
	if len(tokens) < len(expected) {
		t.Fatalf("unexpected token count: %d (%v)", len(tokens), tokens)
	}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	log, read := newTestLogger(t, formatJSON)
	ctx := WithRID(context.Background(), "12:34:56")

	LogEvent(ctx, log.With("component", CompStore), slog.LevelError, "append.failed",
		slog.String("status", "fail"),
		slog.Any("err", errors.New("disk full")),
		slog.Duration("duration", 1500*time.Microsecond),
	)

	line := read()
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"store.workbook"`, `"event":"append.failed"`, `"status":"fail"`, `"rid":"` + CompactRID("12:34:56") + `"`, `"rid_full":"12:34:56"`, `"duration_ms":2`, `"err":"disk full"`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		if idx == -1 || idx < pos {
			t.Fatalf("prefix %s not found in order within %s", pref, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerDropsEmptyAndUnknownOutcome(t *testing.T) {
	log, read := newTestLogger(t, formatKV)
	log.Info("probe", slog.String("username", ""), slog.String("outcome", "weird"))

	line := read()
	if strings.Contains(line, "username=") || strings.Contains(line, "outcome=") {
		t.Fatalf("expected pruned fields, got %s", line)
	}
	if !strings.Contains(line, "event=probe") || !strings.Contains(line, "component=app") {
		t.Fatalf("expected defaults for event and component, got %s", line)
	}
}

func TestCompactRID(t *testing.T) {
	if got := CompactRID("36:72:1"); got != "10.20.1" {
		t.Fatalf("CompactRID = %s", got)
	}
	if got := CompactRID("not-a-rid"); got != "not-a-rid" {
		t.Fatalf("CompactRID changed foreign input: %s", got)
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 3)
	var passed int
	for i := 0; i < 9; i++ {
		if s.Allow() {
			passed++
		}
	}
	if passed != 3 {
		t.Fatalf("passed = %d, want 3", passed)
	}

	if n, d := parseRatioSpec("2/5"); n != 2 || d != 5 {
		t.Fatalf("parseRatioSpec(2/5) = %d/%d", n, d)
	}
	if n, d := parseRatioSpec("10"); n != 1 || d != 10 {
		t.Fatalf("parseRatioSpec(10) = %d/%d", n, d)
	}
}

type codedErr struct{}

func (codedErr) Error() string { return "coded" }
func (codedErr) Code() string  { return "workbook locked" }

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(codedErr{}); got != "WORKBOOK_LOCKED" {
		t.Fatalf("ErrorCode = %s", got)
	}
	if got := ErrorCode(&codedErrPtr{}); got != "CODEDERRPTR" {
		t.Fatalf("ErrorCode = %s", got)
	}
}

type codedErrPtr struct{}

func (*codedErrPtr) Error() string { return "ptr" }
