package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/pkg/logx"
)

var testPools = map[string]bool{"offline": true}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, `
cron:
  - description: Rebuild participant summaries
    url: /offline/BigQueryRebuild
    schedule: every day 07:00
    timezone: America/New_York
    target: offline
    timeout: 30m
  - description: Flag missing samples
    url: /offline/SampleReconciliation
    schedule: every 15 minutes
    target: offline
    catch_up: true
`)

	r := New(logx.Nop())
	snap, entryErrs, err := r.Load(path, testPools)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(entryErrs) != 0 {
		t.Fatalf("unexpected entry errors: %v", entryErrs)
	}
	if len(snap.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(snap.Jobs))
	}

	j, ok := snap.Lookup("/offline/BigQueryRebuild")
	if !ok {
		t.Fatal("lookup failed")
	}
	if j.Timezone != "America/New_York" || j.Timeout != 30*time.Minute {
		t.Fatalf("job not normalized: %+v", j)
	}
	if j.CatchUp {
		t.Fatal("catch_up should default to false")
	}

	j, _ = snap.Lookup("/offline/SampleReconciliation")
	if j.Timezone != "UTC" || !j.CatchUp {
		t.Fatalf("defaults wrong: %+v", j)
	}

	if r.Current() != snap {
		t.Fatal("Current() should return the committed snapshot")
	}
}

func TestLoadDuplicateURLFailsWholeLoad(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, `
cron:
  - url: /offline/Job
    schedule: every day 07:00
    target: offline
  - url: /offline/Job
    schedule: every day 08:00
    target: offline
`)
	r := New(logx.Nop())
	_, _, err := r.Load(path, testPools)
	if !errors.Is(err, ErrDuplicateJobURL) {
		t.Fatalf("err = %v, want ErrDuplicateJobURL", err)
	}
	if r.Current() != nil {
		t.Fatal("failed load must not commit a snapshot")
	}
}

func TestLoadUnknownTargetFailsWholeLoad(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, `
cron:
  - url: /offline/Job
    schedule: every day 07:00
    target: batch
`)
	r := New(logx.Nop())
	_, _, err := r.Load(path, testPools)
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err = %v, want ErrUnknownTarget", err)
	}
}

func TestLoadMalformedEntryDropsOnlyThatEntry(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, `
cron:
  - url: /offline/Good
    schedule: every day 07:00
    target: offline
  - url: /offline/BadSchedule
    schedule: whenever convenient
    target: offline
  - url: /offline/BadZone
    schedule: every day 07:00
    timezone: Mars/Olympus
    target: offline
`)
	r := New(logx.Nop())
	snap, entryErrs, err := r.Load(path, testPools)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(snap.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(snap.Jobs))
	}
	if len(entryErrs) != 2 {
		t.Fatalf("entry errors = %d, want 2: %v", len(entryErrs), entryErrs)
	}
	if _, ok := snap.Lookup("/offline/Good"); !ok {
		t.Fatal("good entry should survive")
	}
}

func TestReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	t.Parallel()
	good := `
cron:
  - url: /offline/Job
    schedule: every day 07:00
    target: offline
`
	path := writeManifest(t, good)
	r := New(logx.Nop())
	first, _, err := r.Load(path, testPools)
	if err != nil {
		t.Fatal(err)
	}

	bad := good + `  - url: /offline/Job
    schedule: every day 08:00
    target: offline
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Load(path, testPools); err == nil {
		t.Fatal("expected reload failure")
	}
	if r.Current() != first {
		t.Fatal("previous snapshot must remain visible after a failed reload")
	}
}
