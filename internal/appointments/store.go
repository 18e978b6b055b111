// Package appointments persists confirmed appointments to an .xlsx workbook.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/m3rciful/apptbot/core/logger"
	"github.com/m3rciful/apptbot/core/tracing"
)

// SheetName is the worksheet holding appointment rows.
const SheetName = "Appointments"

// Header is always row 1 of the sheet.
var Header = []string{"ID", "First Name", "Date", "Time", "Reason", "Phone Number"}

// ErrStoreClosed is returned for operations submitted after Close.
var ErrStoreClosed = errors.New("appointments: store closed")

// Record is one confirmed appointment. Values are stored verbatim.
type Record struct {
	ID        string
	FirstName string
	Date      string
	Time      string
	Reason    string
	Phone     string
}

// Values returns the record in column order.
func (r Record) Values() []string {
	return []string{r.ID, r.FirstName, r.Date, r.Time, r.Reason, r.Phone}
}

func recordFromRow(row []string) Record {
	cell := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	return Record{ID: cell(0), FirstName: cell(1), Date: cell(2), Time: cell(3), Reason: cell(4), Phone: cell(5)}
}

type task struct {
	ctx  context.Context
	run  func() error
	done chan error
}

// Store appends records to a workbook. All file access runs on a single
// writer goroutine, so concurrent Appends never lose rows.
type Store struct {
	path  string
	tasks chan task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewStore starts the writer for the workbook at path.
func NewStore(path string) *Store {
	s := &Store{path: path, tasks: make(chan task, 64)}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Path returns the workbook location.
func (s *Store) Path() string { return s.path }

func (s *Store) loop() {
	defer s.wg.Done()
	for t := range s.tasks {
		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}
		t.done <- t.run()
	}
}

// submit queues run on the writer and waits for its result or ctx.
func (s *Store) submit(ctx context.Context, run func() error) error {
	t := task{ctx: ctx, run: run, done: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case s.tasks <- t:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued writes to finish.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.tasks)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Initialize makes sure the workbook, the sheet and its header exist.
// Existing rows are never touched.
func (s *Store) Initialize(ctx context.Context) error {
	return s.submit(ctx, func() error {
		created, err := s.initialize()
		if err != nil {
			logger.Error(ctx, logger.CompStore, "workbook.init",
				append([]slog.Attr{slog.String("status", "fail"), slog.String("path", s.path)}, logger.Err(err)...)...)
			return err
		}
		logger.Info(ctx, logger.CompStore, "workbook.init",
			slog.String("status", "ok"),
			slog.String("path", s.path),
			slog.Bool("created", created),
		)
		return nil
	})
}

func (s *Store) initialize() (bool, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		f := excelize.NewFile()
		defer f.Close()
		if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
			return false, fmt.Errorf("appointments: rename sheet: %w", err)
		}
		if err := writeRow(f, 1, Header); err != nil {
			return false, err
		}
		return true, s.save(f)
	} else if err != nil {
		return false, fmt.Errorf("appointments: stat workbook: %w", err)
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return false, fmt.Errorf("appointments: open workbook: %w", err)
	}
	defer f.Close()

	idx, err := f.GetSheetIndex(SheetName)
	if err != nil {
		return false, fmt.Errorf("appointments: lookup sheet: %w", err)
	}
	if idx == -1 {
		if _, err := f.NewSheet(SheetName); err != nil {
			return false, fmt.Errorf("appointments: create sheet: %w", err)
		}
	} else {
		rows, err := f.GetRows(SheetName)
		if err != nil {
			return false, fmt.Errorf("appointments: read rows: %w", err)
		}
		if len(rows) > 0 {
			return false, nil
		}
	}
	if err := writeRow(f, 1, Header); err != nil {
		return false, err
	}
	return true, s.save(f)
}

// Append writes rec as a new row after the last used row and saves the workbook.
func (s *Store) Append(ctx context.Context, rec Record) error {
	ctx, span := tracing.Start(ctx, "workbook.append", attribute.String("workbook.path", s.path))
	start := time.Now()
	var row int
	err := s.submit(ctx, func() error {
		var err error
		row, err = s.append(rec)
		return err
	})
	tracing.End(span, err)

	if err != nil {
		logger.Error(ctx, logger.CompStore, "append",
			append([]slog.Attr{slog.String("status", "fail"), slog.Duration("duration", time.Since(start))}, logger.Err(err)...)...)
		return err
	}
	logger.Info(ctx, logger.CompStore, "append",
		slog.String("status", "ok"),
		slog.Int("row", row),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (s *Store) append(rec Record) (int, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("appointments: open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return 0, fmt.Errorf("appointments: read rows: %w", err)
	}
	row := len(rows) + 1
	if err := writeRow(f, row, rec.Values()); err != nil {
		return 0, err
	}
	return row, s.save(f)
}

// Rows returns every data row below the header.
func (s *Store) Rows(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.submit(ctx, func() error {
		f, err := excelize.OpenFile(s.path)
		if err != nil {
			return fmt.Errorf("appointments: open workbook: %w", err)
		}
		defer f.Close()
		rows, err := f.GetRows(SheetName)
		if err != nil {
			return fmt.Errorf("appointments: read rows: %w", err)
		}
		for i, row := range rows {
			if i == 0 {
				continue
			}
			out = append(out, recordFromRow(row))
		}
		return nil
	})
	return out, err
}

func writeRow(f *excelize.File, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("appointments: cell name: %w", err)
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(SheetName, cell, &cells); err != nil {
		return fmt.Errorf("appointments: write row %d: %w", row, err)
	}
	return nil
}

// save writes the workbook to a temporary file next to the target and
// renames it into place so readers never observe a partial file.
func (s *Store) save(f *excelize.File) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("appointments: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".appointments-*.xlsx")
	if err != nil {
		return fmt.Errorf("appointments: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := f.Write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("appointments: write workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("appointments: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("appointments: replace workbook: %w", err)
	}
	return nil
}
