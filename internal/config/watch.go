package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dispatchd/pkg/logx"
)

// WatchFile watches one file (by watching its directory, so atomic
// rename-into-place saves are seen) and calls onChange after a short debounce.
// Both the service config and the job manifest are watched this way.
//
// fsnotify can get into a bad state (notably with certain editors), where the
// watcher stops delivering events or closes its channels. Self-heal by
// recreating the watcher with a small jittered exponential backoff.
func WatchFile(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// debounce to avoid reacting to partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if !log.IsZero() {
			log.Debug("file change detected; scheduling reload", logx.String("path", path))
		}
		timer = time.AfterFunc(debounceDelay, onChange)
	}

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !log.IsZero() {
				log.Warn("file watch init failed", logx.Err(err), logx.String("dir", dir))
			}
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !log.IsZero() {
				log.Warn("file watch add failed", logx.Err(err), logx.String("dir", dir))
			}
			if !wait() {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't accumulate delay
		backoff = restartBackoffBase
		if !log.IsZero() {
			log.Debug("file watcher started", logx.String("dir", dir), logx.String("file", file))
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename; robust across absolute/relative paths.
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events may have been missed; reload once and
				// keep going. Avoid matching a specific fsnotify constant
				// across versions.
				low := strings.ToLower(err.Error())
				if strings.Contains(low, "overflow") {
					if !log.IsZero() {
						log.Warn("file watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
					}
					debounce()
					continue
				}
				if !log.IsZero() {
					log.Warn("file watch error", logx.Err(err), logx.String("dir", dir))
				}
				if strings.Contains(low, "closed") {
					broken = true
					break
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !log.IsZero() {
			log.Warn("file watcher stopped; restarting", logx.String("dir", dir), logx.String("file", file))
		}
		if !wait() {
			return nil
		}
	}
}
