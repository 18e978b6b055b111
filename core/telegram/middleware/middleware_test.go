package middleware

import (
	"errors"
	"testing"
	"time"

	coreconfig "github.com/m3rciful/apptbot/core/config"

	tele "gopkg.in/telebot.v4"
)

func newContext(t *testing.T, upd tele.Update) tele.Context {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{Offline: true})
	if err != nil {
		t.Fatalf("bot: %v", err)
	}
	return bot.NewContext(upd)
}

func textUpdate(id int, userID int64, text string) tele.Update {
	return tele.Update{ID: id, Message: &tele.Message{
		Sender: &tele.User{ID: userID},
		Chat:   &tele.Chat{ID: userID, Type: tele.ChatPrivate},
		Text:   text,
	}}
}

func TestAdminOnlyMiddleware(t *testing.T) {
	var rejected, passed int
	h := AdminOnlyMiddleware(AdminOptions{
		AdminID:  42,
		OnReject: func(tele.Context) error { rejected++; return nil },
	})(func(tele.Context) error { passed++; return nil })

	_ = h(newContext(t, textUpdate(1, 42, "/export")))
	_ = h(newContext(t, textUpdate(2, 7, "/export")))
	if passed != 1 || rejected != 1 {
		t.Fatalf("passed=%d rejected=%d", passed, rejected)
	}

	locked := AdminOnlyMiddleware(AdminOptions{})(func(tele.Context) error { passed++; return nil })
	_ = locked(newContext(t, textUpdate(3, 42, "/export")))
	if passed != 1 {
		t.Fatal("admin-only handler ran without a configured admin")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	var limited, passed int
	h := RateLimitMiddleware(RateLimitOptions{
		Interval:  time.Second,
		Exclude:   map[string]struct{}{coreconfig.UpdateCallback: {}},
		OnLimited: func(tele.Context) error { limited++; return nil },
		now:       func() time.Time { return now },
	})(func(tele.Context) error { passed++; return nil })

	_ = h(newContext(t, textUpdate(1, 5, "a")))
	_ = h(newContext(t, textUpdate(2, 5, "b")))
	cb := tele.Update{ID: 3, Callback: &tele.Callback{Sender: &tele.User{ID: 5}, Data: "\fbooking|confirm"}}
	_ = h(newContext(t, cb))
	now = now.Add(2 * time.Second)
	_ = h(newContext(t, textUpdate(4, 5, "c")))

	if passed != 3 || limited != 1 {
		t.Fatalf("passed=%d limited=%d", passed, limited)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(func(tele.Context) error { panic("boom") })
	if err := h(newContext(t, textUpdate(1, 5, "x"))); err == nil {
		t.Fatal("expected error from recovered panic")
	}

	want := errors.New("plain")
	h = RecoverMiddleware(func(tele.Context) error { return want })
	if err := h(newContext(t, textUpdate(2, 5, "x"))); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoggerMiddlewareSetsRID(t *testing.T) {
	c := newContext(t, textUpdate(77, 5, "hi"))
	err := LoggerMiddleware(func(c tele.Context) error {
		if rid, _ := c.Get("rid").(string); rid == "" {
			t.Fatal("rid not set")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatal(err)
	}
}
