package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"dispatchd/pkg/logx"
)

// Postgres backend for deployments where two dispatcher instances overlap
// (rolling deploys). The BeginRun claim is the same conditional upsert as the
// sqlite backend; Postgres row locking makes it safe across connections.

const pgSchema = `
CREATE TABLE IF NOT EXISTS run_ledger (
    job_url        TEXT PRIMARY KEY,
    last_scheduled BIGINT NOT NULL DEFAULT 0,
    last_outcome   TEXT NOT NULL DEFAULT '',
    in_flight      SMALLINT NOT NULL DEFAULT 0,
    started        BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fire_events (
    id          BIGSERIAL PRIMARY KEY,
    job_url     TEXT NOT NULL,
    scheduled   BIGINT NOT NULL,
    actual      BIGINT NOT NULL,
    outcome     TEXT NOT NULL,
    detail      TEXT,
    duration_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fire_events_job ON fire_events(job_url, id);
`

type pgStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st := &pgStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), pgSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *pgStore) BeginRun(ctx context.Context, jobURL string, scheduledAt time.Time) (Token, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_ledger(job_url, last_scheduled, in_flight, started)
		 VALUES($1,$2,1,$3)
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

func (s *pgStore) EndRun(ctx context.Context, tok Token, oc Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE run_ledger SET in_flight = 0, last_outcome = $1 WHERE job_url = $2`,
		oc.Status, tok.JobURL,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fire_events(job_url, scheduled, actual, outcome, detail, duration_ms)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		tok.JobURL, tok.ScheduledAt.UnixMilli(), tok.StartedAt.UnixMilli(),
		oc.Status, nullStr(outcomeDetail(oc)), oc.Duration.Milliseconds(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgStore) RecordSkip(ctx context.Context, jobURL string, scheduledAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fire_events(job_url, scheduled, actual, outcome, detail, duration_ms)
		 VALUES($1,$2,$3,$4,$5,0)`,
		jobURL, scheduledAt.UnixMilli(), time.Now().UnixMilli(), StatusSkipped, nullStr(reason),
	)
	return err
}

func (s *pgStore) LastScheduled(ctx context.Context, jobURL string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_scheduled FROM run_ledger WHERE job_url = $1`, jobURL).Scan(&ms)
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

func (s *pgStore) RecoverStuck(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE run_ledger SET in_flight = 0, last_outcome = 'stuck_reset'
		 WHERE in_flight = 1 AND started < $1
		 RETURNING job_url`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (s *pgStore) History(ctx context.Context, jobURL string, n int) ([]FireRecord, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_url, scheduled, actual, outcome, COALESCE(detail, ''), duration_ms
		 FROM fire_events WHERE job_url = $1 ORDER BY id DESC LIMIT $2`,
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
