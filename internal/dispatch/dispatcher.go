// Package dispatch runs the scheduling core: a single timing loop wakes on a
// min-heap of next-fire instants across all jobs, and a worker pool executes
// the invocations so a slow downstream never blocks the loop.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/ledger"
	"dispatchd/internal/pool"
	"dispatchd/internal/registry"
	"dispatchd/pkg/logx"
)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

// occurrence is one due fire of one job, handed from the timing loop to the
// workers.
type occurrence struct {
	job         registry.Job
	scheduledAt time.Time
	catchUp     bool
}

type Service struct {
	cfg   Config
	log   logx.Logger
	store ledger.Store
	pools *pool.Set
	bus   eventbus.Bus

	mu     sync.Mutex
	timers fireHeap
	wake   chan struct{}

	queue     chan occurrence
	stopCh    chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	running   bool
}

func New(cfg Config, store ledger.Store, pools *pool.Set, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		pools: pools,
		bus:   bus,
		wake:  make(chan struct{}, 1),
	}
}

// Start schedules every job in snap and launches the timing loop plus
// workers. Jobs that opted into catch-up get their missed occurrences (per
// the ledger) enqueued immediately, oldest first.
func (s *Service) Start(ctx context.Context, snap *registry.Snapshot) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.queue = make(chan occurrence, s.cfg.QueueSize)
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.scheduleSnapshot(runCtx, snap, true)

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.loop(runCtx, stopCh, queue)
	}()

	s.log.Info("dispatcher started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("jobs", len(snap.Jobs)))
}

// Stop halts the timing loop and waits for in-flight invocations to finish
// or ctx to expire. Invocation contexts are cancelled, which releases their
// ledger claims through the normal EndRun path.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out; continuing in background")
	}
}

// Reload swaps the timing heap to match a new registry snapshot. Next fires
// recompute from now; running invocations are unaffected (the ledger still
// serializes per job).
func (s *Service) Reload(snap *registry.Snapshot) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	s.scheduleSnapshot(context.Background(), snap, false)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRegistryReloaded, Data: len(snap.Jobs)})
	s.log.Info("schedule reloaded", logx.Int("jobs", len(snap.Jobs)))
}

// scheduleSnapshot rebuilds the heap for snap. catchUp only applies on
// startup: reload during normal operation never backfills.
func (s *Service) scheduleSnapshot(ctx context.Context, snap *registry.Snapshot, catchUp bool) {
	now := time.Now().UTC()

	// Per-job reference instant for the heap rebuild: the later of now and the
	// ledger's last claimed occurrence. A last instant ahead of the clock
	// (step-back between runs, another instance with a faster clock) must not
	// let Next recompute and re-fire an occurrence the ledger already holds.
	refs := make(map[string]time.Time, len(snap.Jobs))
	var backlogs [][]occurrence
	for _, job := range snap.Jobs {
		refs[job.URL] = now
		last, ok, err := s.store.LastScheduled(ctx, job.URL)
		if err != nil {
			s.log.Warn("last-scheduled lookup failed", logx.String("job", job.URL), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if last.After(now) {
			refs[job.URL] = last
		}
		if !catchUp || !job.CatchUp {
			continue
		}
		missed := job.Rule.Between(job.Loc, last, now)
		if len(missed) == 0 {
			continue
		}
		occs := make([]occurrence, 0, len(missed))
		for _, m := range missed {
			occs = append(occs, occurrence{job: job, scheduledAt: m, catchUp: true})
		}
		backlogs = append(backlogs, occs)
		s.log.Info("catching up missed occurrences",
			logx.String("job", job.URL),
			logx.Int("missed", len(missed)))
	}

	s.mu.Lock()
	s.timers = s.timers[:0]
	for _, job := range snap.Jobs {
		next := job.Rule.Next(job.Loc, refs[job.URL])
		if next.IsZero() {
			s.log.Warn("no upcoming occurrence; job left unscheduled", logx.String("job", job.URL))
			continue
		}
		s.logDSTAdjustment(job, next)
		s.timers.push(fireEntry{fireAt: next, job: job})
	}
	s.mu.Unlock()
	s.kick()

	// Each job's backlog replays sequentially, oldest first, bypassing the
	// shared queue: handing consecutive occurrences of the same job to
	// concurrent workers would trip the overlap check and skip them.
	for _, occs := range backlogs {
		occs := occs
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			for _, occ := range occs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.execute(ctx, occ)
			}
		}()
	}
}

// loop is the single timing loop. It never blocks on invocation work: due
// occurrences are handed to the worker queue and the next fire is computed
// and re-pushed immediately.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, queue chan<- occurrence) {
	const idleWait = time.Hour

	for {
		s.mu.Lock()
		wait := idleWait
		if top, ok := s.timers.peek(); ok {
			wait = time.Until(top.fireAt)
		}
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stopCh:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		now := time.Now().UTC()
		var due []occurrence
		s.mu.Lock()
		for {
			top, ok := s.timers.peek()
			if !ok || top.fireAt.After(now) {
				break
			}
			e := s.timers.pop()
			due = append(due, occurrence{job: e.job, scheduledAt: e.fireAt})
			next := e.job.Rule.Next(e.job.Loc, e.fireAt)
			if next.IsZero() {
				s.log.Warn("no further occurrences", logx.String("job", e.job.URL))
				continue
			}
			s.logDSTAdjustment(e.job, next)
			s.timers.push(fireEntry{fireAt: next, job: e.job})
		}
		s.mu.Unlock()

		for _, occ := range due {
			select {
			case queue <- occ:
			default:
				// Bounded queue: dropping is the overlap policy's cousin. The
				// occurrence is recorded as skipped so it stays observable.
				s.log.Warn("dispatch queue full; dropping occurrence",
					logx.String("job", occ.job.URL),
					logx.Time("scheduled", occ.scheduledAt))
				s.recordSkip(ctx, occ, "queue_full")
			}
		}
	}
}

// kick wakes the timing loop after the heap changed.
func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// logDSTAdjustment notes when a calendar fire lands off its nominal wall
// clock (spring-forward gap). Policy decision, never an error.
func (s *Service) logDSTAdjustment(job registry.Job, next time.Time) {
	h, m, ok := job.Rule.WallClock()
	if !ok {
		return
	}
	l := next.In(job.Loc)
	if l.Hour() != h || l.Minute() != m {
		s.log.Debug("fire time shifted by DST transition",
			logx.String("job", job.URL),
			logx.String("nominal", fmt.Sprintf("%02d:%02d", h, m)),
			logx.Time("actual", l))
	}
}
