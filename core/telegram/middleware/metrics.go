package middleware

import (
	tghelpers "github.com/m3rciful/apptbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// MessageMetricsMiddleware resets the per-update send counters that the
// helpers bump whenever a response is queued.
func MessageMetricsMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		c.Set(tghelpers.KeyMessages, 0)
		c.Set(tghelpers.KeyKeyboard, false)
		return next(c)
	}
}

// GetCounters reads message count and keyboard presence flags from context.
func GetCounters(c tele.Context) (int, bool) {
	msgs, _ := c.Get(tghelpers.KeyMessages).(int)
	kb, _ := c.Get(tghelpers.KeyKeyboard).(bool)
	return msgs, kb
}
