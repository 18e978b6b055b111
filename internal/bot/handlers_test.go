package bot

import (
	"context"
	"testing"

	tg "github.com/m3rciful/apptbot/core/telegram"
	"github.com/m3rciful/apptbot/internal/booking"

	tele "gopkg.in/telebot.v4"
)

const testChat = int64(42)

type sent struct {
	kind   string // "send" or "edit"
	text   string
	markup *tele.ReplyMarkup
}

// recordingContext captures outgoing messages instead of calling the Bot API.
type recordingContext struct {
	tele.Context
	sent      []sent
	responded int
}

func (c *recordingContext) record(kind string, what interface{}, opts []interface{}) {
	s := sent{kind: kind}
	s.text, _ = what.(string)
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			s.markup = so.ReplyMarkup
		}
	}
	c.sent = append(c.sent, s)
}

func (c *recordingContext) Send(what interface{}, opts ...interface{}) error {
	c.record("send", what, opts)
	return nil
}

func (c *recordingContext) Edit(what interface{}, opts ...interface{}) error {
	c.record("edit", what, opts)
	return nil
}

func (c *recordingContext) Respond(...*tele.CallbackResponse) error {
	c.responded++
	return nil
}

func newBot(t *testing.T) *tele.Bot {
	t.Helper()
	b, err := tele.NewBot(tele.Settings{Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func textContext(b *tele.Bot, text string) *recordingContext {
	return &recordingContext{Context: b.NewContext(tele.Update{ID: 1, Message: &tele.Message{
		Sender: &tele.User{ID: testChat},
		Chat:   &tele.Chat{ID: testChat, Type: tele.ChatPrivate},
		Text:   text,
	}})}
}

func callbackContext(b *tele.Bot, data string) *recordingContext {
	return &recordingContext{Context: b.NewContext(tele.Update{ID: 2, Callback: &tele.Callback{
		ID:      "1",
		Sender:  &tele.User{ID: testChat},
		Message: &tele.Message{ID: 5, Chat: &tele.Chat{ID: testChat, Type: tele.ChatPrivate}},
		Data:    data,
	}})}
}

// answerAll walks the questions through the text handler and returns the
// context that received the confirmation prompt.
func answerAll(t *testing.T, app *App, b *tele.Bot, date string) *recordingContext {
	t.Helper()
	if _, err := app.flow.Start(context.Background(), testChat); err != nil {
		t.Fatal(err)
	}
	conv := conversation{flow: app.flow}
	var last *recordingContext
	for _, answer := range []string{"A123", "Jane", date, "10:00", "Checkup", "0712345678"} {
		last = textContext(b, answer)
		if err := conv.HandleText(last); err != nil {
			t.Fatalf("answer %q: %v", answer, err)
		}
		if len(last.sent) != 1 || last.sent[0].kind != "send" {
			t.Fatalf("answer %q produced %+v", answer, last.sent)
		}
	}
	return last
}

func TestAnswersEndWithConfirmationKeyboard(t *testing.T) {
	app := newTestApp(t)
	last := answerAll(t, app, newBot(t), "2030-01-05")

	got := last.sent[0]
	if got.markup == nil || len(got.markup.InlineKeyboard) != 1 || len(got.markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("confirmation prompt = %+v", got)
	}
}

func TestConfirmEditsPromptInPlace(t *testing.T) {
	app := newTestApp(t)
	b := newBot(t)
	answerAll(t, app, b, "2030-01-05")

	c := callbackContext(b, "\f"+ChoiceUnique+"|"+booking.ChoiceConfirm)
	h := &handlers{app: app}
	if err := h.choose(c); err != nil {
		t.Fatal(err)
	}

	if c.responded != 1 {
		t.Fatalf("callback answered %d times", c.responded)
	}
	if len(c.sent) != 1 {
		t.Fatalf("sent = %+v", c.sent)
	}
	if got := c.sent[0]; got.kind != "edit" || got.text != booking.TextConfirmed {
		t.Fatalf("sent = %+v", got)
	}
	if m := c.sent[0].markup; m == nil || len(m.InlineKeyboard) != 0 {
		t.Fatalf("keyboard not removed: %+v", m)
	}
	if app.flow.InProgress(context.Background(), testChat) {
		t.Fatal("session not cleared")
	}
}

func TestConfirmWithBadDateEditsBeforeFollowUp(t *testing.T) {
	app := newTestApp(t)
	b := newBot(t)
	answerAll(t, app, b, "tomorrow")

	c := callbackContext(b, "\f"+ChoiceUnique+"|"+booking.ChoiceConfirm)
	if err := (&handlers{app: app}).choose(c); err != nil {
		t.Fatal(err)
	}

	if len(c.sent) != 2 {
		t.Fatalf("sent = %+v", c.sent)
	}
	if c.sent[0].kind != "edit" || c.sent[0].text != booking.TextConfirmed {
		t.Fatalf("first = %+v", c.sent[0])
	}
	if c.sent[1].kind != "send" || c.sent[1].text != booking.TextBadTimestamp {
		t.Fatalf("second = %+v", c.sent[1])
	}
}

func TestSaveFailureKeepsButtons(t *testing.T) {
	app := newTestApp(t)
	b := newBot(t)
	answerAll(t, app, b, "2030-01-05")
	if err := app.store.Close(); err != nil {
		t.Fatal(err)
	}

	c := callbackContext(b, "\f"+ChoiceUnique+"|"+booking.ChoiceConfirm)
	if err := (&handlers{app: app}).choose(c); err == nil {
		t.Fatal("expected the storage error to surface")
	}

	// A new message leaves the confirmation prompt and its buttons intact.
	if len(c.sent) != 1 || c.sent[0].kind != "send" || c.sent[0].text != booking.TextSaveFailed {
		t.Fatalf("sent = %+v", c.sent)
	}
	if !app.flow.InProgress(context.Background(), testChat) {
		t.Fatal("session dropped after a failed save")
	}
}

func TestCallbackRouteReachesChoice(t *testing.T) {
	app := newTestApp(t)
	b := newBot(t)
	answerAll(t, app, b, "2030-01-05")

	opts, err := app.TelegramRunOptions()
	if err != nil {
		t.Fatal(err)
	}
	var route tele.HandlerFunc
	for _, r := range opts.Routes(tg.Runtime{Registry: opts.Registry}) {
		if r.Endpoint == tele.OnCallback {
			route = r.Handler
		}
	}
	if route == nil {
		t.Fatal("no callback route")
	}

	c := callbackContext(b, "\f"+ChoiceUnique+"|"+booking.ChoiceConfirm)
	if err := route(c); err != nil {
		t.Fatal(err)
	}
	if len(c.sent) != 1 || c.sent[0].text != booking.TextConfirmed {
		t.Fatalf("sent = %+v", c.sent)
	}
	rows, err := app.store.Rows(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].FirstName != "Jane" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCancelChoiceEditsPrompt(t *testing.T) {
	app := newTestApp(t)
	b := newBot(t)
	answerAll(t, app, b, "2030-01-05")

	c := callbackContext(b, "\f"+ChoiceUnique+"|"+booking.ChoiceCancel)
	if err := (&handlers{app: app}).choose(c); err != nil {
		t.Fatal(err)
	}
	if len(c.sent) != 1 || c.sent[0].kind != "edit" || c.sent[0].text != booking.TextChoiceCancel {
		t.Fatalf("sent = %+v", c.sent)
	}
	rows, _ := app.store.Rows(context.Background())
	if len(rows) != 0 {
		t.Fatalf("cancel wrote rows: %+v", rows)
	}
}
