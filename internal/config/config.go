// Package config loads the appointment bot configuration: the shared core
// settings plus storage, reminder, session and event options.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	coreconfig "github.com/m3rciful/apptbot/core/config"
	coredatabase "github.com/m3rciful/apptbot/core/database"
	"github.com/m3rciful/apptbot/core/tracing"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// WorkbookConfig locates the appointments spreadsheet.
type WorkbookConfig struct {
	Path string `yaml:"path" envconfig:"WORKBOOK_PATH"`
}

// RemindersConfig controls reminder scheduling.
type RemindersConfig struct {
	// Offsets before the appointment at which reminders fire.
	Offsets      []time.Duration `yaml:"offsets" envconfig:"REMINDER_OFFSETS"`
	ScanInterval time.Duration   `yaml:"scan_interval" envconfig:"REMINDER_SCAN_INTERVAL"`
	BatchSize    int             `yaml:"batch_size" envconfig:"REMINDER_BATCH_SIZE"`
	// Timezone is an IANA name used to interpret the entered date and time.
	Timezone string `yaml:"timezone" envconfig:"REMINDER_TIMEZONE"`

	location *time.Location
}

// Location returns the resolved timezone; valid after Normalize.
func (r RemindersConfig) Location() *time.Location {
	if r.location == nil {
		return time.Local
	}
	return r.location
}

// SessionsConfig selects where in-progress bookings are kept.
type SessionsConfig struct {
	Backend   string        `yaml:"backend" envconfig:"SESSION_BACKEND"`
	RedisAddr string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	Password  string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	Prefix    string        `yaml:"prefix" envconfig:"SESSION_PREFIX"`
	TTL       time.Duration `yaml:"ttl" envconfig:"SESSION_TTL"`
}

// EventsConfig enables publishing booking events to Kafka.
type EventsConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"KAFKA_TOPIC"`
}

// Enabled reports whether at least one broker is configured.
func (e EventsConfig) Enabled() bool { return len(e.Brokers) > 0 }

// Config is the full application configuration.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database  coredatabase.Config `yaml:"database"`
	Workbook  WorkbookConfig      `yaml:"workbook"`
	Reminders RemindersConfig     `yaml:"reminders"`
	Sessions  SessionsConfig      `yaml:"sessions"`
	Events    EventsConfig        `yaml:"events"`
	Tracing   tracing.Config      `yaml:"tracing"`
}

// CoreConfig exposes the embedded core configuration.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Config }

// Load reads path (optional), overlays environment variables and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.ReadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates every section and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := coreconfig.Normalize(&cfg.Config); err != nil {
		return err
	}
	if err := cfg.Database.Normalize(); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Workbook.Path) == "" {
		cfg.Workbook.Path = "appointments.xlsx"
	}

	if err := normalizeReminders(&cfg.Reminders); err != nil {
		return err
	}
	if err := normalizeSessions(&cfg.Sessions); err != nil {
		return err
	}

	brokers := cfg.Events.Brokers[:0]
	for _, b := range cfg.Events.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.Events.Brokers = brokers
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "appointments.events"
	}

	cfg.Tracing.Normalize()
	return nil
}

func normalizeReminders(r *RemindersConfig) error {
	if len(r.Offsets) == 0 {
		r.Offsets = []time.Duration{12 * time.Hour, 3 * time.Hour, time.Hour}
	}
	seen := make(map[time.Duration]struct{}, len(r.Offsets))
	offsets := make([]time.Duration, 0, len(r.Offsets))
	for _, o := range r.Offsets {
		if o <= 0 {
			return fmt.Errorf("reminders.offsets must be positive, got %s", o)
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	r.Offsets = offsets

	if r.ScanInterval <= 0 {
		r.ScanInterval = 30 * time.Second
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	r.location = time.Local
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("invalid reminders.timezone %q: %w", tz, err)
		}
		r.location = loc
	}
	return nil
}

func normalizeSessions(s *SessionsConfig) error {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = SessionMemory
	}
	switch s.Backend {
	case SessionMemory:
	case SessionRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			return fmt.Errorf("sessions.redis_addr is required when sessions.backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid sessions.backend %q; allowed: memory, redis", s.Backend)
	}
	if s.TTL <= 0 {
		s.TTL = 24 * time.Hour
	}
	return nil
}
