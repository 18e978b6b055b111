// Package bootstrap initializes shared infrastructure before the bot starts.
package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/apptbot/core/config"
	coredatabase "github.com/m3rciful/apptbot/core/database"
	"github.com/m3rciful/apptbot/core/logger"
	"github.com/m3rciful/apptbot/core/tracing"
)

// Options control the generic bootstrap pipeline.
type Options struct {
	Config     *coreconfig.Config
	Database   coredatabase.Config
	Tracing    tracing.Config
	Migrations fs.FS

	LoggerInit func(*coreconfig.Config) error
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(coredatabase.Config, fs.FS) error
	Trace      func(context.Context, tracing.Config) (func(context.Context) error, error)
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	// DB is nil when the database driver is "memory".
	DB *sqlx.DB

	shutdownTracing func(context.Context) error
}

// Close releases the database and flushes pending spans.
func (r *Result) Close(ctx context.Context) error {
	var firstErr error
	if r.shutdownTracing != nil {
		firstErr = r.shutdownTracing(ctx)
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run initializes the logger and tracing, then connects to the database and
// applies migrations.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	setupTracing := opts.Trace
	if setupTracing == nil {
		setupTracing = tracing.Setup
	}
	shutdown, err := setupTracing(ctx, opts.Tracing)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: tracing init failed: %w", err)
	}
	res := &Result{shutdownTracing: shutdown}

	if !opts.Database.Enabled() {
		logger.Info(ctx, logger.CompDB, "db.skip", slog.String("status", "skip"), slog.String("driver", opts.Database.Driver))
		return res, nil
	}

	start := time.Now()
	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	if opts.Migrations != nil {
		if err := migrate(opts.Database, opts.Migrations); err != nil {
			_ = res.Close(ctx)
			return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
		}
	}

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(opts.Database)
	if err != nil {
		_ = res.Close(ctx)
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}
	res.DB = db

	logger.Info(ctx, logger.CompDB, "db.ready",
		slog.String("status", "ok"),
		slog.String("driver", opts.Database.Driver),
		slog.String("target", opts.Database.Target()),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}
