package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/ledger"
	"dispatchd/internal/pool"
	"dispatchd/internal/registry"
	"dispatchd/internal/schedule"
	"dispatchd/pkg/logx"
)

func mustRule(t *testing.T, text string) schedule.Rule {
	t.Helper()
	r, err := schedule.Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q): %v", text, err)
	}
	return r
}

func newTestService(t *testing.T, handler http.Handler) (*Service, ledger.Store, eventbus.Bus) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := ledger.Open(ledger.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pools := pool.NewSet(map[string]pool.Config{
		"default": {BaseURL: srv.URL, RequestTimeout: 5 * time.Second},
	}, logx.Nop())

	bus := eventbus.New()
	svc := New(Config{Workers: 2, QueueSize: 16, DefaultTimeout: 5 * time.Second}, store, pools, bus, logx.Nop())
	return svc, store, bus
}

func testJob(t *testing.T, u string) registry.Job {
	t.Helper()
	return registry.Job{
		URL:    u,
		Rule:   mustRule(t, "every 15 minutes"),
		Loc:    time.UTC,
		Target: "default",
	}
}

// waitEvent drains ch until an event with the wanted type (and job URL)
// arrives or the deadline passes.
func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ, jobURL string) eventbus.RunEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			re, ok := ev.Data.(eventbus.RunEvent)
			if !ok {
				continue
			}
			if ev.Type == typ && re.JobURL == jobURL {
				return re
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", typ, jobURL)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	svc, store, bus := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	sched := time.Now().UTC().Truncate(time.Minute)
	svc.execute(context.Background(), occurrence{job: testJob(t, "/tasks/sync"), scheduledAt: sched})

	if got := hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
	ev := waitEvent(t, ch, eventbus.TypeRunSucceeded, "/tasks/sync")
	if ev.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", ev.StatusCode)
	}

	last, ok, err := store.LastScheduled(context.Background(), "/tasks/sync")
	if err != nil || !ok {
		t.Fatalf("LastScheduled: ok=%v err=%v", ok, err)
	}
	if !last.Equal(sched) {
		t.Fatalf("LastScheduled = %v, want %v", last, sched)
	}

	hist, err := store.History(context.Background(), "/tasks/sync", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Outcome != ledger.StatusSucceeded {
		t.Fatalf("history = %+v, want one succeeded record", hist)
	}
}

func TestExecuteFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	svc, store, bus := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	sched := time.Now().UTC()
	svc.execute(context.Background(), occurrence{job: testJob(t, "/tasks/report"), scheduledAt: sched})

	ev := waitEvent(t, ch, eventbus.TypeRunFailed, "/tasks/report")
	if ev.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", ev.StatusCode)
	}
	if ev.Error == "" {
		t.Fatal("failed event carries no error detail")
	}

	// A failed run is terminal: the claim is released and the next
	// occurrence can begin immediately. No automatic retry happens.
	if _, err := store.BeginRun(context.Background(), "/tasks/report", sched.Add(15*time.Minute)); err != nil {
		t.Fatalf("BeginRun after failure: %v", err)
	}
}

func TestExecuteOverlapSkips(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	svc, store, bus := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	ctx := context.Background()
	sched := time.Now().UTC()

	// Hold the in-flight marker as if a previous run were still executing.
	tok, err := store.BeginRun(ctx, "/tasks/slow", sched)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	svc.execute(ctx, occurrence{job: testJob(t, "/tasks/slow"), scheduledAt: sched.Add(15 * time.Minute)})

	ev := waitEvent(t, ch, eventbus.TypeRunSkipped, "/tasks/slow")
	if ev.Error != "overlap" {
		t.Fatalf("skip reason = %q, want overlap", ev.Error)
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("skipped occurrence still invoked the target (%d hits)", got)
	}

	hist, err := store.History(ctx, "/tasks/slow", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Outcome != ledger.StatusSkipped {
		t.Fatalf("history = %+v, want one skipped record", hist)
	}

	// The held run finishes normally afterwards; the skip never queued.
	if err := store.EndRun(ctx, tok, ledger.Outcome{Status: ledger.StatusSucceeded}); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
}

func TestFireHeapOrdering(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var h fireHeap
	for _, off := range []time.Duration{45 * time.Minute, 5 * time.Minute, 30 * time.Minute, time.Minute} {
		h.push(fireEntry{fireAt: base.Add(off), job: registry.Job{URL: off.String()}})
	}

	if top, ok := h.peek(); !ok || !top.fireAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("peek = %v ok=%v, want %v", top.fireAt, ok, base.Add(time.Minute))
	}

	var prev time.Time
	for h.Len() > 0 {
		e := h.pop()
		if !prev.IsZero() && e.fireAt.Before(prev) {
			t.Fatalf("pop out of order: %v before %v", e.fireAt, prev)
		}
		prev = e.fireAt
	}
}

func TestStartCatchUpBackfillsMissed(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	svc, store, bus := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	ctx := context.Background()
	job := testJob(t, "/tasks/backfill")
	job.CatchUp = true

	// Simulate a run that completed an hour ago, then downtime.
	last := time.Now().UTC().Add(-time.Hour)
	tok, err := store.BeginRun(ctx, job.URL, last)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.EndRun(ctx, tok, ledger.Outcome{Status: ledger.StatusSucceeded}); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	missed := job.Rule.Between(job.Loc, last, time.Now().UTC())
	if len(missed) == 0 {
		t.Fatal("expected missed occurrences over a one hour gap")
	}

	snap := &registry.Snapshot{Jobs: []registry.Job{job}, LoadedAt: time.Now()}
	svc.Start(ctx, snap)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	// Each missed occurrence runs once, oldest first; overlap protection is
	// per occurrence, and they run sequentially through the ledger claim.
	var got []time.Time
	for range missed {
		ev := waitEvent(t, ch, eventbus.TypeRunSucceeded, job.URL)
		got = append(got, ev.ScheduledAt)
	}
	if int(hits.Load()) < len(missed) {
		t.Fatalf("hits = %d, want at least %d", hits.Load(), len(missed))
	}
	for i, want := range missed {
		if !got[i].Equal(want) {
			t.Fatalf("catch-up order: got[%d] = %v, want %v", i, got[i], want)
		}
	}
}

func TestStartWithoutCatchUpSchedulesFutureOnly(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	svc, store, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	ctx := context.Background()
	job := testJob(t, "/tasks/no-backfill") // CatchUp defaults to false

	last := time.Now().UTC().Add(-time.Hour)
	tok, err := store.BeginRun(ctx, job.URL, last)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.EndRun(ctx, tok, ledger.Outcome{Status: ledger.StatusSucceeded}); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	svc.Start(ctx, &registry.Snapshot{Jobs: []registry.Job{job}, LoadedAt: time.Now()})
	time.Sleep(100 * time.Millisecond)
	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	if got := hits.Load(); got != 0 {
		t.Fatalf("job without catch-up invoked %d times at startup, want 0", got)
	}
}

func TestScheduleReferenceClampsToLedger(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx := context.Background()
	job := testJob(t, "/tasks/ahead")

	// The ledger already holds an occurrence an hour ahead of the clock
	// (clock step-back, or a faster peer's claim). Rebuilding the heap from
	// plain now would recompute and re-fire instants the ledger has recorded.
	ahead := time.Now().UTC().Add(time.Hour).Truncate(time.Minute)
	tok, err := store.BeginRun(ctx, job.URL, ahead)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.EndRun(ctx, tok, ledger.Outcome{Status: ledger.StatusSucceeded}); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	svc.scheduleSnapshot(ctx, &registry.Snapshot{Jobs: []registry.Job{job}, LoadedAt: time.Now()}, false)

	top, ok := svc.timers.peek()
	if !ok {
		t.Fatal("no entry scheduled")
	}
	if !top.fireAt.After(ahead) {
		t.Fatalf("next fire %v is not after the ledger's last claimed %v", top.fireAt, ahead)
	}
}

func TestStopWaitsForWorkers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	svc, _, bus := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	ctx := context.Background()
	svc.Start(ctx, &registry.Snapshot{LoadedAt: time.Now()})

	// Hand the workers a run directly, then stop while it is in flight.
	svc.queue <- occurrence{job: testJob(t, "/tasks/hang"), scheduledAt: time.Now().UTC()}
	waitEvent(t, ch, eventbus.TypeRunStarted, "/tasks/hang")

	done := make(chan struct{})
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
		close(done)
	}()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after workers finished")
	}
}

func TestInvokePathIsEscaped(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	svc, _, bus := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path
	}))
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	raw := "/tasks/cleanup expired"
	svc.execute(context.Background(), occurrence{job: testJob(t, raw), scheduledAt: time.Now().UTC()})
	waitEvent(t, ch, eventbus.TypeRunSucceeded, raw)

	p := <-got
	if u, err := url.PathUnescape(p); err != nil || u != raw {
		t.Fatalf("target saw path %q, want escaped form of %q", p, raw)
	}
}
