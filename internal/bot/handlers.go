package bot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/m3rciful/apptbot/core/logger"
	tg "github.com/m3rciful/apptbot/core/telegram"
	"github.com/m3rciful/apptbot/core/telegram/callbacks"
	"github.com/m3rciful/apptbot/core/telegram/commands"
	tghelpers "github.com/m3rciful/apptbot/core/telegram/helpers"
	"github.com/m3rciful/apptbot/core/telegram/keyboard"
	"github.com/m3rciful/apptbot/core/telegram/router"
	"github.com/m3rciful/apptbot/internal/booking"
	"github.com/m3rciful/apptbot/internal/reminders"

	tele "gopkg.in/telebot.v4"
)

// ChoiceUnique is the callback key of the confirmation buttons.
const ChoiceUnique = "booking"

const (
	textHelp = "Send /start to book an appointment. I will ask for your ID, first name, " +
		"date (YYYY-MM-DD), time (HH:MM), reason and phone number.\n" +
		"/cancel stops the current booking.\n" +
		"/reminders lists the reminders waiting for you."
	textUnknown     = "Send /start to book an appointment or /help for more."
	textAdminOnly   = "This command is only available to the administrator."
	textNoReminders = "You have no pending reminders."
	textSlowDown    = "Too many requests, please slow down."
)

type handlers struct {
	app *App
}

func (h *handlers) register(reg *tg.Registry) {
	reg.RegisterCommand("/start", commands.Command{
		Handler:     h.start,
		Description: "Book an appointment",
		Aliases:     []string{"book"},
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Handler:     h.cancel,
		Description: "Cancel the current booking",
	})
	reg.RegisterCommand("/help", commands.Command{
		Handler:     h.help,
		Description: "How to book",
	})
	reg.RegisterCommand("/reminders", commands.Command{
		Handler:     h.pending,
		Description: "Show pending reminders",
	})
	reg.RegisterCommand("/export", commands.Command{
		Handler:     h.export,
		Description: "Download the appointments workbook",
		AdminOnly:   true,
	})
	_ = reg.RegisterCallback(ChoiceUnique, h.choose)
}

func (h *handlers) routes(rt tg.Runtime) []tg.Route {
	reg := rt.Registry
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		AdminID:       h.app.cfg.Telegram.AdminID,
		OnAdminReject: func(c tele.Context) error { return tghelpers.SendText(c, textAdminOnly) },
	})
	routes = append(routes,
		router.CallbackRoute(reg),
		router.TextRoute(conversation{flow: h.app.flow}, reg, router.TextOptions{
			UnknownText: func(c tele.Context) error { return tghelpers.SendText(c, textUnknown) },
		}),
	)
	return routes
}

func (h *handlers) onLimited(c tele.Context) error {
	if c.Callback() != nil {
		return c.Respond(&tele.CallbackResponse{Text: textSlowDown})
	}
	return nil
}

func (h *handlers) start(c tele.Context) error {
	reply, err := h.app.flow.Start(tghelpers.BuildContext(c), tghelpers.ChatID(c))
	return deliver(c, reply, err)
}

func (h *handlers) cancel(c tele.Context) error {
	reply, err := h.app.flow.Cancel(tghelpers.BuildContext(c), tghelpers.ChatID(c))
	return deliver(c, reply, err)
}

func (h *handlers) help(c tele.Context) error {
	return tghelpers.SendText(c, textHelp)
}

func (h *handlers) choose(c tele.Context) error {
	_ = c.Respond()
	value := callbacks.CallbackPayload(c.Callback())
	reply, err := h.app.flow.Choose(tghelpers.BuildContext(c), tghelpers.ChatID(c), value)
	return deliver(c, reply, err)
}

func (h *handlers) pending(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	list, err := h.app.scheduler.Pending(ctx, tghelpers.ChatID(c))
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	return tghelpers.SendText(c, formatPending(list))
}

func (h *handlers) export(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	rows, err := h.app.store.Rows(ctx)
	if err != nil {
		return fmt.Errorf("export workbook: %w", err)
	}
	path := h.app.store.Path()
	logger.Info(ctx, logger.CompStore, "workbook.export",
		slog.String("status", "ok"),
		slog.String("path", path),
		slog.Int("rows", len(rows)),
	)
	return tghelpers.SendDocument(c, &tele.Document{
		File:     tele.FromDisk(path),
		FileName: filepath.Base(path),
		Caption:  fmt.Sprintf("%d appointments", len(rows)),
	})
}

// formatPending lists reminders in fire order.
func formatPending(list []reminders.Reminder) string {
	if len(list) == 0 {
		return textNoReminders
	}
	var b strings.Builder
	b.WriteString("Pending reminders:")
	for _, r := range list {
		fmt.Fprintf(&b, "\n%s for the appointment at %s",
			r.FireAt.Format(reminders.Layout), r.AppointmentAt.Format(reminders.Layout))
	}
	return b.String()
}

// deliver renders reply and then reports err, so the user hears back even
// when the flow failed.
func deliver(c tele.Context, reply booking.Reply, err error) error {
	if rerr := render(c, reply); err == nil {
		err = rerr
	}
	return err
}

func render(c tele.Context, r booking.Reply) error {
	if r.Text != "" {
		var err error
		switch {
		case r.Edit:
			err = tghelpers.Finalize(c, r.Text)
		case len(r.Options) > 0:
			err = tghelpers.SendMarkup(c, r.Text, choiceMarkup(r.Options))
		default:
			err = tghelpers.SendText(c, r.Text)
		}
		if err != nil {
			return err
		}
	}
	if r.FollowUp != "" {
		return tghelpers.SendText(c, r.FollowUp)
	}
	return nil
}

func choiceMarkup(opts []booking.Option) *tele.ReplyMarkup {
	btns := make([]keyboard.InlineBtn, len(opts))
	for i, o := range opts {
		btns[i] = keyboard.InlineBtn{Text: o.Label, Unique: ChoiceUnique, Data: o.Value}
	}
	return keyboard.InlineButtonsNPerRow(btns, len(btns))
}

// conversation exposes the booking flow to the text router.
type conversation struct {
	flow *booking.Flow
}

func (c conversation) InProgress(ctx context.Context, chatID int64) bool {
	return c.flow.InProgress(ctx, chatID)
}

func (c conversation) HandleText(tc tele.Context) error {
	reply, err := c.flow.HandleText(tghelpers.BuildContext(tc), tghelpers.ChatID(tc), tc.Text())
	return deliver(tc, reply, err)
}

// Notifier delivers reminders through the runtime's outbound dispatcher.
func Notifier(rt tg.Runtime) reminders.Notifier {
	return reminders.NotifierFunc(func(ctx context.Context, chatID int64, text string) error {
		send := func() error {
			_, err := rt.Bot.Send(tele.ChatID(chatID), text)
			return err
		}
		if rt.Dispatcher == nil {
			return send()
		}
		return rt.Dispatcher.Do(logger.WithUpdateMeta(ctx, 0, 0, chatID), "reminder.send", "sendMessage", send)
	})
}
