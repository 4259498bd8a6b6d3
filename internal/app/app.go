// Package app wires the service together: config, logging, ledger, pools,
// registry, dispatcher, alerting, and the file watchers that keep config and
// manifest hot-reloadable.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"dispatchd/internal/alert"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/ledger"
	"dispatchd/internal/pool"
	"dispatchd/internal/registry"
	"dispatchd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store ledger.Store
	pools *pool.Set
	reg   *registry.Registry
	disp  *dispatch.Service
	alert *alert.Service

	watchCancel context.CancelFunc
	watchers    *errgroup.Group
	stopOnce    sync.Once
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := ledger.Open(ledger.Config{
		Driver:      cfg.Ledger.Driver,
		Path:        cfg.Ledger.Path,
		DSN:         cfg.Ledger.DSN,
		BusyTimeout: cfg.Ledger.BusyTimeoutD(),
	}, logSvc.Logger().With(logx.String("comp", "ledger")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	pools := pool.NewSet(mapPoolConfigs(cfg), logSvc.Logger().With(logx.String("comp", "pool")))

	reg := registry.New(logSvc.Logger().With(logx.String("comp", "registry")))
	if _, entryErrs, err := reg.Load(cfg.Manifest.Path, cfg.PoolNames()); err != nil {
		store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("load manifest: %w", err)
	} else if len(entryErrs) > 0 {
		for _, ee := range entryErrs {
			log.Warn("manifest entry rejected", logx.String("job", ee.URL), logx.Err(ee.Err))
		}
	}

	disp := dispatch.New(dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		DefaultTimeout: cfg.Dispatch.DefaultTimeoutD(),
	}, store, pools, bus, logSvc.Logger().With(logx.String("comp", "dispatch")))

	al, err := alert.New(cfg.Alert, bus, logSvc.Logger().With(logx.String("comp", "alert")))
	if err != nil && !errors.Is(err, alert.ErrDisabled) {
		store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("alerting: %w", err)
	}

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		pools: pools,
		reg:   reg,
		disp:  disp,
		alert: al,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	// Clear in-flight markers left by a crashed process before scheduling
	// anything, so the first occurrences are not spuriously skipped.
	recCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	recovered, err := a.store.RecoverStuck(recCtx, cfg.Ledger.MaxRunDurationD())
	cancel()
	if err != nil {
		return fmt.Errorf("ledger recovery sweep: %w", err)
	}
	if len(recovered) > 0 {
		a.log.Warn("recovered stuck runs", logx.Int("count", len(recovered)), logx.Any("jobs", recovered))
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeLedgerRecovered, Data: recovered})
	}

	if a.alert != nil {
		a.alert.Start(ctx)
	}
	a.disp.Start(ctx, a.reg.Current())

	wctx, wcancel := context.WithCancel(ctx)
	a.watchCancel = wcancel
	g, gctx := errgroup.WithContext(wctx)
	a.watchers = g

	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { return a.watchManifest(gctx) })
	g.Go(func() error { a.applyConfigUpdates(gctx); return nil })

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		g.Go(func() error { return a.watchdog(gctx) })
	}

	a.log.Info("dispatchd started",
		logx.Int("jobs", len(a.reg.Current().Jobs)),
		logx.Any("pools", a.pools.Names()))
	return nil
}

// Stop shuts the service down in dependency order: watchers first, then the
// dispatcher (waits for in-flight runs), then the leaf services.
func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		daemon.SdNotify(false, daemon.SdNotifyStopping)

		if a.watchCancel != nil {
			a.watchCancel()
			a.watchers.Wait()
		}
		a.disp.Stop(ctx)
		if a.alert != nil {
			a.alert.Stop()
		}
		if err := a.store.Close(); err != nil {
			a.log.Warn("ledger close failed", logx.Err(err))
		}
		a.log.Info("dispatchd stopped")
		a.logs.Close()
	})
}

// watchManifest reloads the job registry when the manifest file changes. A
// broken manifest keeps the previous snapshot live.
func (a *App) watchManifest(ctx context.Context) error {
	cfg := a.cfgm.Get()
	return config.WatchFile(ctx, cfg.Manifest.Path, a.log.With(logx.String("comp", "manifestwatch")), func() {
		a.reloadManifest()
	})
}

func (a *App) reloadManifest() {
	cfg := a.cfgm.Get()
	snap, entryErrs, err := a.reg.Load(cfg.Manifest.Path, cfg.PoolNames())
	if err != nil {
		a.log.Error("manifest reload rejected; previous jobs stay active", logx.Err(err))
		return
	}
	for _, ee := range entryErrs {
		a.log.Warn("manifest entry rejected", logx.String("job", ee.URL), logx.Err(ee.Err))
	}
	a.disp.Reload(snap)
	a.log.Info("manifest reloaded", logx.Int("jobs", len(snap.Jobs)))
}

// applyConfigUpdates consumes committed config changes. Logging is re-applied
// in place; structural changes (pools, ledger, dispatch sizing) need a
// restart and are called out in the log.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Log.Level,
				Console: cfg.Log.Console,
				File: logx.FileConfig{
					Enabled: cfg.Log.File.Enabled,
					Path:    cfg.Log.File.Path,
				},
			})
			a.log.Info("config reloaded; pool/ledger/dispatch changes take effect on restart")
			a.reloadManifest()
		}
	}
}

// watchdog pings systemd at half the configured WatchdogSec interval.
func (a *App) watchdog(ctx context.Context) error {
	usec, err := daemon.SdWatchdogEnabled(false)
	if err != nil || usec == 0 {
		return nil
	}
	t := time.NewTicker(usec / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func mapPoolConfigs(cfg *config.Config) map[string]pool.Config {
	out := make(map[string]pool.Config, len(cfg.Pools))
	for name, p := range cfg.Pools {
		out[name] = pool.Config{
			BaseURL:        p.BaseURL,
			RequestTimeout: p.RequestTimeoutD(),
			MaxInFlight:    p.MaxInFlight,
			RatePerSec:     p.RatePerSec,
		}
	}
	return out
}
