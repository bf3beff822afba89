package schedule

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
)

//go:embed migrations
var migrationsFS embed.FS

// TimeLayout is the on-disk timestamp format (local time, second precision).
const TimeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when an action id has no row.
var ErrNotFound = errors.New("scheduled action not found")

// ErrBadTransition is returned for a status change the lifecycle forbids,
// e.g. reviving a completed or expired action.
var ErrBadTransition = errors.New("illegal status transition")

// Store persists scheduled actions in sqlite. All methods are safe for
// concurrent use; the underlying connection pool is capped at one
// connection so every call observes a total order.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the action database at path and
// applies pending migrations.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening action store: %w", err)
	}
	// Single connection: sqlite serializes writers anyway and this removes
	// SQLITE_BUSY races between the engine and the dialogue loop.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging action store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating action store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	s.logger.Info("action store ready", "path", path)
	return s, nil
}

// runMigrations applies the embedded migration files.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "scheduled_actions", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Close only the source; closing the instance would close the shared DB.
	if err := source.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a new action, assigning its id and forcing the initial
// status to scheduled. Returns the assigned id.
func (s *Store) Insert(ctx context.Context, a *Action) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = StatusScheduled
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	ctxJSON, err := marshalContext(a.Context)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (
			id, command, trigger_time, completion_mode, retry_until,
			status, attempt_count, last_attempt, context,
			recurring, recurring_interval_seconds, recurring_until,
			parent_recurring_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Command,
		a.TriggerTime.Format(TimeLayout),
		string(a.Mode),
		formatOptTime(a.RetryUntil),
		string(a.Status),
		a.AttemptCount,
		formatOptTime(a.LastAttempt),
		ctxJSON,
		boolToInt(a.Recurring),
		a.IntervalSeconds,
		formatOptTime(a.RecurringUntil),
		nullIfEmpty(a.ParentRecurringID),
		a.CreatedAt.Format(TimeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("inserting action: %w", err)
	}

	s.logger.Info("action scheduled",
		"id", a.ID,
		"trigger_time", a.TriggerTime.Format(TimeLayout),
		"mode", a.Mode,
		"recurring", a.Recurring,
	)
	return a.ID, nil
}

// DueActions returns every action with status scheduled or active whose
// trigger time is at or before now, ordered by trigger time then id.
func (s *Store) DueActions(ctx context.Context, now time.Time) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM scheduled_actions
		WHERE status IN ('scheduled', 'active') AND trigger_time <= ?
		ORDER BY trigger_time ASC, id ASC`,
		now.Format(TimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// UpdateStatus atomically moves an action to the given status, enforcing
// the lifecycle transitions.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.updateStatus(ctx, id, status, nil)
}

// UpdateStatusWithAttempt is UpdateStatus plus an attempt-count update;
// supplying the attempt also stamps last_attempt with the current time.
func (s *Store) UpdateStatusWithAttempt(ctx context.Context, id string, status Status, attempt int) error {
	return s.updateStatus(ctx, id, status, &attempt)
}

func (s *Store) updateStatus(ctx context.Context, id string, status Status, attempt *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM scheduled_actions WHERE id = ?`, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("reading action status: %w", err)
	}

	if !canTransition(Status(current), status) {
		return fmt.Errorf("%w: %s -> %s (id %s)", ErrBadTransition, current, status, id)
	}

	if attempt != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE scheduled_actions
			SET status = ?, attempt_count = ?, last_attempt = ?
			WHERE id = ?`,
			string(status), *attempt, time.Now().Format(TimeLayout), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_actions SET status = ? WHERE id = ?`,
			string(status), id,
		)
	}
	if err != nil {
		return fmt.Errorf("updating action status: %w", err)
	}

	return tx.Commit()
}

// Reschedule updates only the trigger time.
func (s *Store) Reschedule(ctx context.Context, id string, triggerTime time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET trigger_time = ? WHERE id = ?`,
		triggerTime.Format(TimeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("rescheduling action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns a single action by id.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying action: %w", err)
	}
	defer rows.Close()

	actions, err := scanActions(rows)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return actions[0], nil
}

// ListAll returns every action ordered by trigger time.
func (s *Store) ListAll(ctx context.Context) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions ORDER BY trigger_time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// Delete removes an action row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// PruneTerminal deletes completed and expired rows, returning the count.
func (s *Store) PruneTerminal(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_actions WHERE status IN ('completed', 'expired')`)
	if err != nil {
		return 0, fmt.Errorf("pruning actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const actionColumns = `id, command, trigger_time, completion_mode, retry_until,
	status, attempt_count, last_attempt, context,
	recurring, recurring_interval_seconds, recurring_until,
	parent_recurring_id, created_at`

func scanActions(rows *sql.Rows) ([]*Action, error) {
	var actions []*Action
	for rows.Next() {
		var (
			a                                 Action
			trigger, mode, status, createdAt  string
			retryUntil, lastAttempt, ctxJSON  sql.NullString
			recurringUntil, parentRecurringID sql.NullString
			recurring                         int
		)
		err := rows.Scan(
			&a.ID, &a.Command, &trigger, &mode, &retryUntil,
			&status, &a.AttemptCount, &lastAttempt, &ctxJSON,
			&recurring, &a.IntervalSeconds, &recurringUntil,
			&parentRecurringID, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning action row: %w", err)
		}

		a.TriggerTime, err = parseStoredTime(trigger)
		if err != nil {
			return nil, err
		}
		a.CreatedAt, err = parseStoredTime(createdAt)
		if err != nil {
			return nil, err
		}
		if a.RetryUntil, err = parseOptTime(retryUntil); err != nil {
			return nil, err
		}
		if a.LastAttempt, err = parseOptTime(lastAttempt); err != nil {
			return nil, err
		}
		if a.RecurringUntil, err = parseOptTime(recurringUntil); err != nil {
			return nil, err
		}
		a.Mode = Mode(mode)
		a.Status = Status(status)
		a.Recurring = recurring != 0
		a.ParentRecurringID = parentRecurringID.String
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &a.Context); err != nil {
				return nil, fmt.Errorf("decoding action context: %w", err)
			}
		}

		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating action rows: %w", err)
	}
	return actions, nil
}

func marshalContext(ctx map[string]string) (any, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("encoding action context: %w", err)
	}
	return string(b), nil
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t, nil
}

func parseOptTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseStoredTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatOptTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(TimeLayout)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
