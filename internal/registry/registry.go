// Package registry loads the job manifest and exposes it as an immutable,
// atomically swapped snapshot. The dispatcher always sees either the previous
// complete set or the new complete set, never a partial reload.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/schedule"
	"dispatchd/pkg/logx"
)

var (
	// ErrDuplicateJobURL rejects the whole load: two entries with one URL
	// means the manifest author's intent is ambiguous.
	ErrDuplicateJobURL = errors.New("duplicate job url")
	// ErrUnknownTarget rejects the whole load: a typo'd pool name would
	// silently strand the job.
	ErrUnknownTarget = errors.New("unknown execution pool target")
)

// Job is one manifest entry, normalized. Immutable once loaded; identity is URL.
type Job struct {
	Description string
	URL         string
	Rule        schedule.Rule
	Timezone    string
	Loc         *time.Location
	Target      string
	Timeout     time.Duration // 0 = dispatcher default
	CatchUp     bool          // backfill missed occurrences after downtime
}

// EntryError reports one manifest entry that failed to load. Malformed
// schedules and unknown timezones are per-entry: the rest of the manifest
// still loads.
type EntryError struct {
	URL string
	Err error
}

func (e EntryError) Error() string { return fmt.Sprintf("entry %s: %v", e.URL, e.Err) }

// Snapshot is one immutable view of the manifest.
type Snapshot struct {
	Jobs     []Job
	LoadedAt time.Time

	byURL map[string]int
}

func (s *Snapshot) Lookup(url string) (Job, bool) {
	if s == nil {
		return Job{}, false
	}
	i, ok := s.byURL[url]
	if !ok {
		return Job{}, false
	}
	return s.Jobs[i], true
}

type Registry struct {
	cur atomic.Pointer[Snapshot]
	log logx.Logger
}

func New(log logx.Logger) *Registry {
	return &Registry{log: log}
}

// Current returns the latest committed snapshot (nil before the first load).
func (r *Registry) Current() *Snapshot { return r.cur.Load() }

// Load reads, validates, and commits the manifest at path. pools is the set of
// configured execution pool names.
//
// Per-entry failures (malformed schedule, bad timezone) drop the entry and are
// returned in entryErrs; the snapshot still commits. Duplicate URLs and
// unknown targets fail the whole load and leave the previous snapshot in
// place.
func (r *Registry) Load(path string, pools map[string]bool) (*Snapshot, []EntryError, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var mf manifestFile
	if err := config.DecodeStrict(path, b, &mf); err != nil {
		return nil, nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	snap := &Snapshot{LoadedAt: time.Now(), byURL: map[string]int{}}
	var entryErrs []EntryError

	for i, e := range mf.Cron {
		url := strings.TrimSpace(e.URL)
		if url == "" {
			return nil, nil, fmt.Errorf("manifest %s: entry %d has no url", path, i)
		}
		if _, dup := snap.byURL[url]; dup {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateJobURL, url)
		}
		target := strings.TrimSpace(e.Target)
		if !pools[target] {
			return nil, nil, fmt.Errorf("%w: %q (entry %s)", ErrUnknownTarget, e.Target, url)
		}

		rule, err := schedule.Parse(e.Schedule)
		if err != nil {
			entryErrs = append(entryErrs, EntryError{URL: url, Err: err})
			continue
		}

		tz := strings.TrimSpace(e.Timezone)
		loc := time.UTC
		if tz != "" {
			loc, err = time.LoadLocation(tz)
			if err != nil {
				entryErrs = append(entryErrs, EntryError{URL: url, Err: fmt.Errorf("timezone %q: %w", e.Timezone, err)})
				continue
			}
		} else {
			tz = "UTC"
		}

		timeout, err := config.ParseDurationField("timeout", e.Timeout)
		if err != nil {
			entryErrs = append(entryErrs, EntryError{URL: url, Err: err})
			continue
		}

		snap.byURL[url] = len(snap.Jobs)
		snap.Jobs = append(snap.Jobs, Job{
			Description: strings.TrimSpace(e.Description),
			URL:         url,
			Rule:        rule,
			Timezone:    tz,
			Loc:         loc,
			Target:      target,
			Timeout:     timeout,
			CatchUp:     e.CatchUp,
		})
	}

	r.cur.Store(snap)
	for _, ee := range entryErrs {
		r.log.Warn("manifest entry dropped", logx.String("url", ee.URL), logx.Err(ee.Err))
	}
	r.log.Info("manifest loaded",
		logx.String("path", path),
		logx.Int("jobs", len(snap.Jobs)),
		logx.Int("dropped", len(entryErrs)))
	return snap, entryErrs, nil
}

// manifestFile mirrors the on-disk manifest. JSON tags because YAML is coerced
// to JSON before strict decoding.
type manifestFile struct {
	Cron []manifestEntry `json:"cron"`
}

type manifestEntry struct {
	Description string `json:"description"`
	URL         string `json:"url"`
	Schedule    string `json:"schedule"`
	Timezone    string `json:"timezone"`
	Target      string `json:"target"`
	Timeout     string `json:"timeout"`
	CatchUp     bool   `json:"catch_up"`
}
