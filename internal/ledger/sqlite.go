package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dispatchd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; the conditional
	// BeginRun upsert relies on statement-level atomicity either way.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
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

func (s *sqliteStore) BeginRun(ctx context.Context, jobURL string, scheduledAt time.Time) (Token, error) {
	now := time.Now().UTC()
	// Single conditional upsert: the WHERE clause makes the claim a
	// check-and-set, so two dispatchers can race safely.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_ledger(job_url, last_scheduled, in_flight, started)
		 VALUES(?,?,1,?)
		 ON CONFLICT(job_url) DO UPDATE SET
		   last_scheduled = excluded.last_scheduled,
		   in_flight = 1,
		   started = excluded.started
		 WHERE run_ledger.in_flight = 0`,
		jobURL, scheduledAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Token{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Token{}, err
	}
	if n == 0 {
		return Token{}, ErrAlreadyInFlight
	}
	return Token{JobURL: jobURL, ScheduledAt: scheduledAt.UTC(), StartedAt: now}, nil
}

func (s *sqliteStore) EndRun(ctx context.Context, tok Token, oc Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE run_ledger SET in_flight = 0, last_outcome = ? WHERE job_url = ?`,
		oc.Status, tok.JobURL,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fire_events(job_url, scheduled, actual, outcome, detail, duration_ms)
		 VALUES(?,?,?,?,?,?)`,
		tok.JobURL, tok.ScheduledAt.UnixMilli(), tok.StartedAt.UnixMilli(),
		oc.Status, nullStr(outcomeDetail(oc)), oc.Duration.Milliseconds(),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		s.pruneEvents(pctx)
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecordSkip(ctx context.Context, jobURL string, scheduledAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fire_events(job_url, scheduled, actual, outcome, detail, duration_ms)
		 VALUES(?,?,?,?,?,0)`,
		jobURL, scheduledAt.UnixMilli(), time.Now().UnixMilli(), StatusSkipped, nullStr(reason),
	)
	return err
}

func (s *sqliteStore) LastScheduled(ctx context.Context, jobURL string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_scheduled FROM run_ledger WHERE job_url = ?`, jobURL).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if ms == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *sqliteStore) RecoverStuck(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_url FROM run_ledger WHERE in_flight = 1 AND started < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			_ = rows.Close()
			return nil, err
		}
		urls = append(urls, u)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE run_ledger SET in_flight = 0, last_outcome = 'stuck_reset'
		 WHERE in_flight = 1 AND started < ?`, cutoff,
	); err != nil {
		return nil, err
	}
	return urls, nil
}

func (s *sqliteStore) History(ctx context.Context, jobURL string, n int) ([]FireRecord, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_url, scheduled, actual, outcome, COALESCE(detail, ''), duration_ms
		 FROM fire_events WHERE job_url = ? ORDER BY id DESC LIMIT ?`,
		jobURL, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FireRecord
	for rows.Next() {
		var rec FireRecord
		var sched, actual, durMS int64
		if err := rows.Scan(&rec.JobURL, &sched, &actual, &rec.Outcome, &rec.Detail, &durMS); err != nil {
			return nil, err
		}
		rec.ScheduledAt = time.UnixMilli(sched).UTC()
		rec.ActualAt = time.UnixMilli(actual).UTC()
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// pruneEvents keeps the fire history bounded on long-running deployments.
func (s *sqliteStore) pruneEvents(ctx context.Context) {
	const keep = 10000
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fire_events
		 WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM fire_events) - ?`, keep)
	if err != nil {
		s.log.Debug("fire event prune failed", logx.Err(err))
	}
}

func outcomeDetail(oc Outcome) string {
	if oc.Code != 0 && oc.Detail != "" {
		return fmt.Sprintf("%d: %s", oc.Code, oc.Detail)
	}
	if oc.Code != 0 {
		return fmt.Sprintf("%d", oc.Code)
	}
	return oc.Detail
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
