// Package ledger persists per-job run state: the last scheduled occurrence,
// an in-flight marker, and a history of fire events. The in-flight marker is
// claimed with a single conditional write, which is what serializes runs of
// one job even across two dispatcher processes sharing a database (rolling
// deploys).
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"dispatchd/pkg/logx"
)

// ErrAlreadyInFlight is the expected outcome of losing the BeginRun
// check-and-set: a previous run of the job is still executing. Callers record
// the occurrence as skipped, never as a failure.
var ErrAlreadyInFlight = errors.New("run already in flight")

// Outcome statuses recorded per fire event.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Config configures the ledger backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default when Path is set)
//   - "postgres": shared database, for multi-instance deployments
//   - "memory": process-local, state lost on restart
type Config struct {
	Driver      string
	Path        string // sqlite file
	DSN         string // postgres connection string
	BusyTimeout time.Duration
}

// Token proves a successful BeginRun and carries what EndRun needs.
type Token struct {
	JobURL      string
	ScheduledAt time.Time
	StartedAt   time.Time
}

// Outcome closes a fire event.
type Outcome struct {
	Status   string
	Code     int // HTTP status when available
	Detail   string
	Duration time.Duration
}

// FireRecord is one row of run history.
type FireRecord struct {
	JobURL      string
	ScheduledAt time.Time
	ActualAt    time.Time
	Outcome     string
	Detail      string
	Duration    time.Duration
}

// Store is the persistence API used by the dispatcher.
type Store interface {
	// BeginRun atomically claims the job's in-flight marker and advances its
	// last scheduled instant. Returns ErrAlreadyInFlight if the marker is
	// already held.
	BeginRun(ctx context.Context, jobURL string, scheduledAt time.Time) (Token, error)
	// EndRun releases the marker and records the terminal fire event.
	EndRun(ctx context.Context, tok Token, oc Outcome) error
	// RecordSkip records an occurrence that was dropped (overlap), without
	// touching the in-flight marker.
	RecordSkip(ctx context.Context, jobURL string, scheduledAt time.Time, reason string) error
	// LastScheduled returns the job's last claimed occurrence, ok=false if
	// the job has never run.
	LastScheduled(ctx context.Context, jobURL string) (time.Time, bool, error)
	// RecoverStuck clears in-flight markers older than maxAge (a crash
	// between BeginRun and EndRun leaves them set) and returns the affected
	// job URLs. Run once at startup.
	RecoverStuck(ctx context.Context, maxAge time.Duration) ([]string, error)
	// History returns the most recent fire events for a job, newest first.
	History(ctx context.Context, jobURL string, n int) ([]FireRecord, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.Path) != "" {
			driver = "sqlite"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres":
		return openPostgres(cfg, log)
	case "memory":
		return newMemory(), nil
	default:
		return nil, errors.New("unknown ledger driver: " + cfg.Driver)
	}
}
