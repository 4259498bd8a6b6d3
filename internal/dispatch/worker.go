package dispatch

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/ledger"
	"dispatchd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan occurrence) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case occ := <-queue:
			s.execute(ctx, occ)
		}
	}
}

// execute runs one occurrence end to end: claim the ledger marker, invoke,
// release with the outcome. Every terminal path writes the ledger exactly
// once and publishes exactly one bus event.
func (s *Service) execute(ctx context.Context, occ occurrence) {
	job := occ.job

	tok, err := s.store.BeginRun(ctx, job.URL, occ.scheduledAt)
	if errors.Is(err, ledger.ErrAlreadyInFlight) {
		// Previous run still executing: drop this occurrence, never queue it.
		s.log.Info("occurrence skipped (previous run still in flight)",
			logx.String("job", job.URL),
			logx.Time("scheduled", occ.scheduledAt))
		s.recordSkip(ctx, occ, "overlap")
		return
	}
	if err != nil {
		s.log.Error("ledger claim failed", logx.String("job", job.URL), logx.Err(err))
		return
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunEvent{
		JobURL:      job.URL,
		Pool:        job.Target,
		ScheduledAt: occ.scheduledAt,
		StartedAt:   tok.StartedAt,
	}})

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	start := time.Now()
	code, invokeErr := s.pools.Invoke(ctx, job.Target, job.URL, timeout)
	dur := time.Since(start)

	oc := ledger.Outcome{Status: ledger.StatusSucceeded, Code: code, Duration: dur}
	if invokeErr != nil {
		oc.Status = ledger.StatusFailed
		oc.Detail = invokeErr.Error()
	}

	// EndRun must not be lost to a cancelled run context, or the in-flight
	// marker would stay set until the next recovery sweep.
	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.store.EndRun(endCtx, tok, oc); err != nil {
		s.log.Error("ledger release failed", logx.String("job", job.URL), logx.Err(err))
	}
	cancel()

	ev := eventbus.RunEvent{
		JobURL:      job.URL,
		Pool:        job.Target,
		ScheduledAt: occ.scheduledAt,
		StartedAt:   tok.StartedAt,
		Duration:    dur,
		StatusCode:  code,
	}
	if invokeErr != nil {
		ev.Error = invokeErr.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFailed, Data: ev})
		s.log.Warn("job invocation failed",
			logx.String("job", job.URL),
			logx.String("pool", job.Target),
			logx.Int("code", code),
			logx.Duration("dur", dur),
			logx.Err(invokeErr))
		return
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunSucceeded, Data: ev})
	if occ.catchUp {
		s.log.Info("caught-up occurrence completed",
			logx.String("job", job.URL),
			logx.Time("scheduled", occ.scheduledAt),
			logx.Duration("dur", dur))
		return
	}
	// Avoid noisy logs for very frequent jobs: elevate to INFO only when the
	// run took noticeable time.
	if dur >= 750*time.Millisecond {
		s.log.Info("job invocation completed",
			logx.String("job", job.URL),
			logx.Duration("dur", dur),
			logx.Int("code", code))
	} else {
		s.log.Debug("job invocation completed",
			logx.String("job", job.URL),
			logx.Duration("dur", dur),
			logx.Int("code", code))
	}
}

func (s *Service) recordSkip(ctx context.Context, occ occurrence, reason string) {
	if err := s.store.RecordSkip(ctx, occ.job.URL, occ.scheduledAt, reason); err != nil {
		s.log.Error("skip record failed", logx.String("job", occ.job.URL), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunSkipped, Data: eventbus.RunEvent{
		JobURL:      occ.job.URL,
		Pool:        occ.job.Target,
		ScheduledAt: occ.scheduledAt,
		Error:       reason,
	}})
}
