package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type reminderRow struct {
	ID            string `db:"id"`
	AppointmentID string `db:"appointment_id"`
	ChatID        int64  `db:"chat_id"`
	OffsetMinutes int64  `db:"offset_minutes"`
	AppointmentAt int64  `db:"appointment_at"`
	FireAt        int64  `db:"fire_at"`
	Message       string `db:"message"`
	Status        string `db:"status"`
	CreatedAt     int64  `db:"created_at"`
	SentAt        *int64 `db:"sent_at"`
	Attempts      int    `db:"attempts"`
	RetryAt       int64  `db:"retry_at"`
}

func toRow(r Reminder) reminderRow {
	row := reminderRow{
		ID:            r.ID,
		AppointmentID: r.AppointmentID,
		ChatID:        r.ChatID,
		OffsetMinutes: int64(r.Offset / time.Minute),
		AppointmentAt: r.AppointmentAt.Unix(),
		FireAt:        r.FireAt.Unix(),
		Message:       r.Message,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt.Unix(),
		Attempts:      r.Attempts,
	}
	if !r.SentAt.IsZero() {
		sent := r.SentAt.Unix()
		row.SentAt = &sent
	}
	if !r.RetryAt.IsZero() {
		row.RetryAt = r.RetryAt.Unix()
	}
	return row
}

func (row reminderRow) reminder(loc *time.Location) Reminder {
	r := Reminder{
		ID:            row.ID,
		AppointmentID: row.AppointmentID,
		ChatID:        row.ChatID,
		Offset:        time.Duration(row.OffsetMinutes) * time.Minute,
		AppointmentAt: time.Unix(row.AppointmentAt, 0).In(loc),
		FireAt:        time.Unix(row.FireAt, 0).In(loc),
		Message:       row.Message,
		Status:        Status(row.Status),
		CreatedAt:     time.Unix(row.CreatedAt, 0).In(loc),
		Attempts:      row.Attempts,
	}
	if row.SentAt != nil {
		r.SentAt = time.Unix(*row.SentAt, 0).In(loc)
	}
	if row.RetryAt != 0 {
		r.RetryAt = time.Unix(row.RetryAt, 0).In(loc)
	}
	return r
}

const selectColumns = `id, appointment_id, chat_id, offset_minutes, appointment_at, fire_at, message, status, created_at, sent_at, attempts, retry_at`

// SQLRepository stores reminders in the "reminders" table. Timestamps are
// unix seconds so sqlite and postgres behave the same.
type SQLRepository struct {
	db  *sqlx.DB
	loc *time.Location
}

// NewSQLRepository wraps db; loaded times are converted to loc.
func NewSQLRepository(db *sqlx.DB, loc *time.Location) *SQLRepository {
	if loc == nil {
		loc = time.Local
	}
	return &SQLRepository{db: db, loc: loc}
}

func (s *SQLRepository) Insert(ctx context.Context, rs []Reminder) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reminders: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := tx.Rebind(`INSERT INTO reminders (` + selectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range rs {
		row := toRow(r)
		if _, err := tx.ExecContext(ctx, query,
			row.ID, row.AppointmentID, row.ChatID, row.OffsetMinutes, row.AppointmentAt,
			row.FireAt, row.Message, row.Status, row.CreatedAt, row.SentAt,
			row.Attempts, row.RetryAt,
		); err != nil {
			return fmt.Errorf("reminders: insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reminders: commit: %w", err)
	}
	return nil
}

func (s *SQLRepository) Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []reminderRow
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM reminders
		WHERE status = ? AND fire_at <= ? AND retry_at <= ?
		ORDER BY attempts, fire_at, id
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, string(StatusPending), now.Unix(), now.Unix(), limit); err != nil {
		return nil, fmt.Errorf("reminders: select due: %w", err)
	}
	return s.convert(rows), nil
}

func (s *SQLRepository) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE reminders SET status = ?, sent_at = ? WHERE id = ? AND status = ?`),
		string(StatusSent), at.Unix(), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("reminders: claim %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reminders: claim %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLRepository) Release(ctx context.Context, id string, retryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE reminders SET status = ?, sent_at = NULL, attempts = attempts + 1, retry_at = ?
			WHERE id = ? AND status = ?`),
		string(StatusPending), retryAt.Unix(), id, string(StatusSent))
	if err != nil {
		return fmt.Errorf("reminders: release %s: %w", id, err)
	}
	return nil
}

func (s *SQLRepository) MarkExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE reminders SET status = ? WHERE id = ? AND status = ?`),
		string(StatusExpired), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("reminders: expire %s: %w", id, err)
	}
	return nil
}

func (s *SQLRepository) Pending(ctx context.Context, chatID int64) ([]Reminder, error) {
	var rows []reminderRow
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM reminders
		WHERE chat_id = ? AND status = ?
		ORDER BY fire_at, id`)
	if err := s.db.SelectContext(ctx, &rows, query, chatID, string(StatusPending)); err != nil {
		return nil, fmt.Errorf("reminders: select pending: %w", err)
	}
	return s.convert(rows), nil
}

func (s *SQLRepository) convert(rows []reminderRow) []Reminder {
	out := make([]Reminder, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.reminder(s.loc))
	}
	return out
}
