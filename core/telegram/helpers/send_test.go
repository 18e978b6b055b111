package helpers

import (
	"testing"

	"github.com/m3rciful/apptbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

func newContext(t *testing.T) tele.Context {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	return bot.NewContext(tele.Update{ID: 3, Message: &tele.Message{
		Sender: &tele.User{ID: 8},
		Chat:   &tele.Chat{ID: 9, Type: tele.ChatPrivate},
		Text:   "hi",
	}})
}

func TestCountSend(t *testing.T) {
	c := newContext(t)
	countSend(c, nil)
	countSend(c, &tele.ReplyMarkup{})
	if n, _ := c.Get(KeyMessages).(int); n != 2 {
		t.Fatalf("messages = %d", n)
	}
	if kb, _ := c.Get(KeyKeyboard).(bool); kb {
		t.Fatal("empty markup counted as keyboard")
	}

	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(markup.Data("Confirm", "booking", "confirm")))
	countSend(c, markup)
	if kb, _ := c.Get(KeyKeyboard).(bool); !kb {
		t.Fatal("inline keyboard not detected")
	}
}

func TestBuildContextCarriesUpdateMeta(t *testing.T) {
	c := newContext(t)
	if ChatID(c) != 9 {
		t.Fatalf("chat = %d", ChatID(c))
	}
	ctx := BuildContext(c)
	if again := BuildContext(c); again != ctx {
		t.Fatal("context not cached")
	}
	ctx = WithHandler(c, "start")
	if got, ok := ContextFrom(c); !ok || got != ctx {
		t.Fatal("handler context not stored")
	}
	if logger.ChatIDFrom(ctx) != 9 || logger.HandlerFrom(ctx) != "start" {
		t.Fatalf("chat=%d handler=%q", logger.ChatIDFrom(ctx), logger.HandlerFrom(ctx))
	}
}
