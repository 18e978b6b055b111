// Package bot wires the booking flow, the workbook and the reminder
// scheduler into the Telegram runtime.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/m3rciful/apptbot/core/bootstrap"
	"github.com/m3rciful/apptbot/core/logger"
	tg "github.com/m3rciful/apptbot/core/telegram"
	"github.com/m3rciful/apptbot/core/telegram/state"
	"github.com/m3rciful/apptbot/internal/appointments"
	"github.com/m3rciful/apptbot/internal/booking"
	"github.com/m3rciful/apptbot/internal/config"
	"github.com/m3rciful/apptbot/internal/events"
	"github.com/m3rciful/apptbot/internal/reminders"
	"github.com/m3rciful/apptbot/migrations"
)

// App holds the long-lived services of the bot.
type App struct {
	cfg       *config.Config
	infra     *bootstrap.Result
	redis     *redis.Client
	sessions  state.Manager
	store     *appointments.Store
	scheduler *reminders.Scheduler
	publisher events.Publisher
	flow      *booking.Flow

	stopScan context.CancelFunc
	scanDone chan struct{}
}

// Bootstrap runs the shared infrastructure pipeline and builds the App on top of it.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bot: nil config provided")
	}
	infra, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:     &cfg.Config,
		Database:   cfg.Database,
		Tracing:    cfg.Tracing,
		Migrations: migrations.FS,
	})
	if err != nil {
		return nil, err
	}
	app, err := New(ctx, cfg, infra)
	if err != nil {
		_ = infra.Close(ctx)
		return nil, err
	}
	return app, nil
}

// New builds the App. infra may be nil, in which case reminders are kept in
// memory. The App owns infra only once New succeeds; on error the caller
// still has to close it.
func New(ctx context.Context, cfg *config.Config, infra *bootstrap.Result) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bot: nil config provided")
	}
	a := &App{cfg: cfg, infra: infra}

	sessions, err := a.buildSessions(ctx)
	if err != nil {
		return nil, err
	}
	a.sessions = sessions

	a.store = appointments.NewStore(cfg.Workbook.Path)
	if err := a.store.Initialize(ctx); err != nil {
		a.infra = nil
		_ = a.Close(ctx)
		return nil, fmt.Errorf("bot: workbook init failed: %w", err)
	}

	a.publisher = events.Nop()
	if cfg.Events.Enabled() {
		a.publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		logger.Info(ctx, logger.CompEvents, "publisher.ready",
			slog.String("status", "ok"),
			slog.String("topic", cfg.Events.Topic),
			slog.Int("brokers", len(cfg.Events.Brokers)),
		)
	}

	var repo reminders.Repository
	if infra != nil && infra.DB != nil {
		repo = reminders.NewSQLRepository(infra.DB, cfg.Reminders.Location())
	} else {
		repo = reminders.NewMemoryRepository()
		logger.Warn(ctx, logger.CompRemind, "repository.memory",
			slog.String("status", "skip"),
			slog.String("reason", "no_database"),
		)
	}
	a.scheduler = reminders.NewScheduler(repo, reminders.Options{
		Offsets:      cfg.Reminders.Offsets,
		Location:     cfg.Reminders.Location(),
		ScanInterval: cfg.Reminders.ScanInterval,
		BatchSize:    cfg.Reminders.BatchSize,
		Publisher:    a.publisher,
	})

	a.flow = booking.NewFlow(a.sessions, a.store, a.scheduler, a.publisher)
	return a, nil
}

func (a *App) buildSessions(ctx context.Context) (state.Manager, error) {
	sc := a.cfg.Sessions
	if sc.Backend != config.SessionRedis {
		return state.NewMemoryManager(sc.TTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     sc.RedisAddr,
		DB:       sc.RedisDB,
		Password: sc.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bot: redis ping failed: %w", err)
	}
	a.redis = client
	logger.Info(ctx, logger.CompSession, "backend.ready",
		slog.String("status", "ok"),
		slog.String("backend", sc.Backend),
		slog.String("target", sc.RedisAddr),
	)
	return state.NewRedisManager(client, sc.Prefix, sc.TTL), nil
}

// TelegramRunOptions describes how the runtime should serve this bot.
func (a *App) TelegramRunOptions() (tg.RunOptions, error) {
	reg := tg.NewRegistry()
	h := &handlers{app: a}
	h.register(reg)

	return tg.RunOptions{
		Config:      &a.cfg.Config,
		Registry:    reg,
		Middlewares: tg.DefaultMiddlewares(&a.cfg.Config, h.onLimited),
		Routes:      h.routes,
		OnStart:     a.startScanner,
		OnStop:      a.stopScanner,
	}, nil
}

func (a *App) startScanner(ctx context.Context, rt tg.Runtime) error {
	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.stopScan, a.scanDone = cancel, done
	go func() {
		defer close(done)
		a.scheduler.Run(scanCtx, Notifier(rt))
	}()
	return nil
}

func (a *App) stopScanner(ctx context.Context, _ tg.Runtime) error {
	if a.stopScan == nil {
		return nil
	}
	a.stopScan()
	select {
	case <-a.scanDone:
		a.stopScan = nil
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bot: reminder scanner did not stop: %w", ctx.Err())
	}
}

// Close stops background work and releases every resource the App owns.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.stopScanner(ctx, tg.Runtime{}); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("workbook: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.infra != nil {
		if err := a.infra.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
