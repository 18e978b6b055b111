package middleware

import (
	"log/slog"

	"github.com/m3rciful/apptbot/core/logger"
	tghelpers "github.com/m3rciful/apptbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	AdminID  int64
	OnReject tele.HandlerFunc
}

// AdminOnlyMiddleware lets only the configured admin reach downstream handlers.
// With no admin configured every caller is rejected.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			u := c.Sender()
			if opts.AdminID != 0 && u != nil && u.ID == opts.AdminID {
				return next(c)
			}
			reason := "not_admin"
			if opts.AdminID == 0 {
				reason = "no_admin_configured"
			}
			logger.Warn(tghelpers.BuildContext(c), logger.CompTG, "admin.reject",
				slog.String("status", "skip"),
				slog.String("reason", reason),
			)
			if opts.OnReject != nil {
				return opts.OnReject(c)
			}
			return nil
		}
	}
}
