package helpers

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/apptbot/core/logger"
	"github.com/m3rciful/apptbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Context keys of the per-update send counters.
const (
	KeyMessages = "messages"
	KeyKeyboard = "kb"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// countSend records a queued response on c; the counters feed the handler summary.
func countSend(c tele.Context, markup *tele.ReplyMarkup) {
	n, _ := c.Get(KeyMessages).(int)
	c.Set(KeyMessages, n+1)
	if markup != nil && len(markup.InlineKeyboard) > 0 {
		c.Set(KeyKeyboard, true)
	}
}

// SetDispatcher wires the asynchronous sender used by helper functions.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

func sendAsync(c tele.Context, action, endpoint string, run func() error) error {
	disp := globalDispatcher.Load()
	if disp == nil {
		return run()
	}
	ctx := BuildContext(c)
	err := disp.Enqueue(ctx, action, endpoint, run)
	if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
		logger.Warn(ctx, logger.CompSender, "queue.fallback",
			slog.String("action", action),
			slog.String("err", err.Error()),
		)
		return run()
	}
	return err
}

// SendText sends plain text to the current chat.
func SendText(c tele.Context, text string, opts ...*tele.SendOptions) error {
	var (
		sendOpts *tele.SendOptions
		markup   *tele.ReplyMarkup
	)
	if len(opts) > 0 && opts[0] != nil {
		sendOpts, markup = opts[0], opts[0].ReplyMarkup
	}
	countSend(c, markup)
	return sendAsync(c, "send.text", "sendMessage", func() error {
		if sendOpts != nil {
			return c.Send(text, sendOpts)
		}
		return c.Send(text)
	})
}

// SendMarkup sends text with the given reply markup attached.
func SendMarkup(c tele.Context, text string, markup *tele.ReplyMarkup) error {
	return SendText(c, text, &tele.SendOptions{ReplyMarkup: markup})
}

// Finalize replaces the callback's message text and removes its inline keyboard.
// It runs synchronously so the edit lands before any follow-up message.
func Finalize(c tele.Context, text string) error {
	if c.Callback() == nil || c.Callback().Message == nil {
		return SendText(c, text)
	}
	countSend(c, nil)
	return c.Edit(text, &tele.SendOptions{ReplyMarkup: &tele.ReplyMarkup{}})
}

// SendDocument uploads doc to the current chat.
func SendDocument(c tele.Context, doc *tele.Document) error {
	countSend(c, nil)
	return sendAsync(c, "send.document", "sendDocument", func() error {
		return c.Send(doc)
	})
}
