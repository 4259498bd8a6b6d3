package ledger

import (
	"context"
	"sync"
	"time"
)

// memStore is a process-local ledger. It still enforces the in-flight
// check-and-set, but state does not survive a restart; intended for tests and
// throwaway environments.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]*memRow
	events []FireRecord
}

type memRow struct {
	lastScheduled time.Time
	lastOutcome   string
	inFlight      bool
	started       time.Time
}

func newMemory() Store {
	return &memStore{rows: map[string]*memRow{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) BeginRun(_ context.Context, jobURL string, scheduledAt time.Time) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.rows[jobURL]
	if row == nil {
		row = &memRow{}
		s.rows[jobURL] = row
	}
	if row.inFlight {
		return Token{}, ErrAlreadyInFlight
	}
	now := time.Now().UTC()
	row.inFlight = true
	row.started = now
	row.lastScheduled = scheduledAt.UTC()
	return Token{JobURL: jobURL, ScheduledAt: scheduledAt.UTC(), StartedAt: now}, nil
}

func (s *memStore) EndRun(_ context.Context, tok Token, oc Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row := s.rows[tok.JobURL]; row != nil {
		row.inFlight = false
		row.lastOutcome = oc.Status
	}
	s.events = append(s.events, FireRecord{
		JobURL:      tok.JobURL,
		ScheduledAt: tok.ScheduledAt,
		ActualAt:    tok.StartedAt,
		Outcome:     oc.Status,
		Detail:      outcomeDetail(oc),
		Duration:    oc.Duration,
	})
	return nil
}

func (s *memStore) RecordSkip(_ context.Context, jobURL string, scheduledAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, FireRecord{
		JobURL:      jobURL,
		ScheduledAt: scheduledAt.UTC(),
		ActualAt:    time.Now().UTC(),
		Outcome:     StatusSkipped,
		Detail:      reason,
	})
	return nil
}

func (s *memStore) LastScheduled(_ context.Context, jobURL string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[jobURL]
	if row == nil || row.lastScheduled.IsZero() {
		return time.Time{}, false, nil
	}
	return row.lastScheduled, true, nil
}

func (s *memStore) RecoverStuck(_ context.Context, maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var urls []string
	for url, row := range s.rows {
		if row.inFlight && row.started.Before(cutoff) {
			row.inFlight = false
			row.lastOutcome = "stuck_reset"
			urls = append(urls, url)
		}
	}
	return urls, nil
}

func (s *memStore) History(_ context.Context, jobURL string, n int) ([]FireRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = 20
	}
	var out []FireRecord
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		if s.events[i].JobURL == jobURL {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}
