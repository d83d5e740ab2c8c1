package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"castd/internal/transport"
	logx "castd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (and migrates) the SQLite-backed store.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- destinations ----

func (s *sqliteStore) UpsertDestination(ctx context.Context, d Destination) error {
	if d.Health == "" {
		d.Health = HealthHealthy
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(id, label, health, consec_fails, last_fail_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   label=excluded.label, health=excluded.health,
		   consec_fails=excluded.consec_fails, last_fail_at=excluded.last_fail_at`,
		d.ID, d.Label, string(d.Health), d.ConsecutiveFailures, nullTime(d.LastFailureAt),
	)
	return err
}

func (s *sqliteStore) Destination(ctx context.Context, id string) (Destination, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, health, consec_fails, last_fail_at FROM destinations WHERE id = ?`, id)
	d, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Destination{}, false, nil
	}
	if err != nil {
		return Destination{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) Destinations(ctx context.Context) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, health, consec_fails, last_fail_at FROM destinations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM destinations WHERE id = ?`, id)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDestination(r rowScanner) (Destination, error) {
	var d Destination
	var health string
	var lastFail sql.NullString
	if err := r.Scan(&d.ID, &d.Label, &health, &d.ConsecutiveFailures, &lastFail); err != nil {
		return Destination{}, err
	}
	d.Health = HealthStatus(health)
	d.LastFailureAt = parseTime(lastFail)
	return d, nil
}

// ---- units ----

const unitCols = `id, payload_ref, text, media_type, media_ref, caption, targets,
	scheduled_at, status, mode, batch_id, created_at, sent_at, successful`

func (s *sqliteStore) CreateUnit(ctx context.Context, u Unit) error {
	if u.Status == "" {
		u.Status = UnitPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	targets, err := json.Marshal(u.Targets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO units(`+unitCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Payload.Ref, u.Payload.Text, u.Payload.MediaType, u.Payload.MediaRef, u.Payload.Caption,
		string(targets), fmtTime(u.ScheduledAt), string(u.Status), string(u.Mode), u.BatchID,
		fmtTime(u.CreatedAt), nullTime(u.SentAt), u.Successful,
	)
	return err
}

func (s *sqliteStore) Unit(ctx context.Context, id string) (Unit, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitCols+` FROM units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, false, nil
	}
	if err != nil {
		return Unit{}, false, err
	}
	return u, true, nil
}

func (s *sqliteStore) PendingUnits(ctx context.Context) ([]Unit, error) {
	return s.queryUnits(ctx,
		`SELECT `+unitCols+` FROM units WHERE status = ? ORDER BY scheduled_at, id`,
		string(UnitPending))
}

func (s *sqliteStore) DueUnits(ctx context.Context, now time.Time, lookahead time.Duration) ([]Unit, error) {
	cutoff := now.Add(lookahead)
	return s.queryUnits(ctx,
		`SELECT `+unitCols+` FROM units WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at, id`,
		string(UnitPending), fmtTime(cutoff))
}

func (s *sqliteStore) NextScheduled(ctx context.Context) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT scheduled_at FROM units WHERE status = ? ORDER BY scheduled_at LIMIT 1`,
		string(UnitPending)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) queryUnits(ctx context.Context, q string, args ...any) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUnit(r rowScanner) (Unit, error) {
	var u Unit
	var p transport.Payload
	var targets, scheduledAt, status, mode, createdAt string
	var sentAt sql.NullString
	err := r.Scan(&u.ID, &p.Ref, &p.Text, &p.MediaType, &p.MediaRef, &p.Caption,
		&targets, &scheduledAt, &status, &mode, &u.BatchID, &createdAt, &sentAt, &u.Successful)
	if err != nil {
		return Unit{}, err
	}
	u.Payload = p
	u.Status = UnitStatus(status)
	u.Mode = ScheduleMode(mode)
	if err := json.Unmarshal([]byte(targets), &u.Targets); err != nil {
		return Unit{}, fmt.Errorf("unit %s: bad targets: %w", u.ID, err)
	}
	if u.ScheduledAt, err = time.Parse(time.RFC3339Nano, scheduledAt); err != nil {
		return Unit{}, fmt.Errorf("unit %s: bad scheduled_at: %w", u.ID, err)
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Unit{}, fmt.Errorf("unit %s: bad created_at: %w", u.ID, err)
	}
	u.SentAt = parseTime(sentAt)
	return u, nil
}

func (s *sqliteStore) UpdateUnitStatus(ctx context.Context, id string, status UnitStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE units SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) FinalizeUnit(ctx context.Context, id string, status UnitStatus, successful int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, successful = ?, sent_at = ? WHERE id = ?`,
		string(status), successful, fmtTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) UpdateUnitSchedule(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET scheduled_at = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecoverSending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ? WHERE status = ?`,
		string(UnitPending), string(UnitSending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- attempts / escalations ----

func (s *sqliteStore) AppendAttempt(ctx context.Context, a DispatchAttempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(unit_id, dest_id, attempt, class, detail, at) VALUES(?,?,?,?,?,?)`,
		a.UnitID, a.DestinationID, a.Attempt, a.Class, a.Detail, fmtTime(a.At))
	return err
}

func (s *sqliteStore) AttemptsForUnit(ctx context.Context, unitID string) ([]DispatchAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, dest_id, attempt, class, detail, at FROM attempts WHERE unit_id = ? ORDER BY id`,
		unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DispatchAttempt
	for rows.Next() {
		var a DispatchAttempt
		var at string
		if err := rows.Scan(&a.UnitID, &a.DestinationID, &a.Attempt, &a.Class, &a.Detail, &at); err != nil {
			return nil, err
		}
		if a.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEscalation(ctx context.Context, e Escalation) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations(unit_id, dest_id, attempts, reason, at) VALUES(?,?,?,?,?)`,
		e.UnitID, e.DestinationID, e.Attempts, e.Reason, fmtTime(e.At))
	return err
}

func (s *sqliteStore) Escalations(ctx context.Context) ([]Escalation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, dest_id, attempts, reason, at FROM escalations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		var e Escalation
		var at string
		if err := rows.Scan(&e.UnitID, &e.DestinationID, &e.Attempts, &e.Reason, &at); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CleanupTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM units WHERE status IN (?,?,?,?) AND COALESCE(sent_at, created_at) < ?`,
		string(UnitSent), string(UnitPartialFailure), string(UnitFailed), string(UnitCancelled),
		fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- helpers ----

// Fixed-width fraction so lexicographic order on the stored strings matches
// chronological order (RFC3339Nano trims trailing zeros and would not).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
