// Package app wires the engine together: config, logging, store, transport,
// rate budget, health, retries, sender, scheduler, metrics.
package app

import (
	"context"
	"fmt"
	"time"

	"castd/internal/config"
	"castd/internal/eventbus"
	"castd/internal/health"
	"castd/internal/metrics"
	"castd/internal/notifier"
	"castd/internal/ratebudget"
	"castd/internal/retry"
	"castd/internal/runtime/supervisor"
	"castd/internal/scheduler"
	"castd/internal/sender"
	"castd/internal/store"
	"castd/internal/transport"
	"castd/internal/transport/telegram"
	logx "castd/pkg/logx"
	"castd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   store.Store
	budget  *ratebudget.Budget
	tracker *health.Tracker
	retries *retry.Queue
	core    *scheduler.Core
	svc     *scheduler.Service
	metrics *metrics.Metrics
	notif   *notifier.Service
	recur   *scheduler.Recurring
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build constructs the engine from a parsed config. Called once; dispatch
// settings are not hot-reloaded, only logging is (matching what can change
// safely while sends are in flight).
func (a *App) build(cfg *config.Config) error {
	st, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	a.store = st

	tr, err := a.openTransport(cfg)
	if err != nil {
		st.Close()
		return err
	}

	d := cfg.Dispatch
	acquireTimeout, err := config.ParseDurationOrDefault("dispatch.acquire_timeout", d.AcquireTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	floodCooldown, err := config.ParseDurationOrDefault("dispatch.flood_cooldown", d.FloodCooldown, time.Minute)
	if err != nil {
		return err
	}
	a.budget = ratebudget.New(ratebudget.Options{
		RatePerSec:    d.GlobalRatePerSec,
		Burst:         d.BurstCeiling,
		PerDestCap:    d.PerDestinationPerMinute,
		FloodFactor:   d.FloodThrottleFactor,
		FloodCooldown: floodCooldown,
	}, a.bus, a.log.With(logx.String("comp", "ratebudget")))

	skipDuration, err := config.ParseDurationOrDefault("health.skip_duration", cfg.Health.SkipDuration, 5*time.Minute)
	if err != nil {
		return err
	}
	a.tracker = health.New(health.Options{
		SkipThreshold:  cfg.Health.SkipThreshold,
		AlertThreshold: cfg.Health.AlertThreshold,
		SkipDuration:   skipDuration,
	}, st, a.bus, a.log.With(logx.String("comp", "health")))

	backoffBase, err := config.ParseDurationOrDefault("retry.backoff_base", cfg.Retry.BackoffBase, 2*time.Second)
	if err != nil {
		return err
	}
	backoffMax, err := config.ParseDurationOrDefault("retry.backoff_max", cfg.Retry.BackoffMax, 30*time.Second)
	if err != nil {
		return err
	}
	a.retries = retry.New(retry.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
	}, st, a.bus, a.log.With(logx.String("comp", "retry")))

	snd := sender.New(sender.Options{
		Workers:        d.Workers,
		AcquireTimeout: acquireTimeout,
	}, tr, a.budget, a.tracker, a.retries, st, a.bus, a.log.With(logx.String("comp", "sender")))

	batchInterval, err := config.ParseDurationOrDefault("scheduler.batch_interval", cfg.Scheduler.BatchInterval, time.Minute)
	if err != nil {
		return err
	}
	lookahead, err := config.ParseDurationOrDefault("scheduler.lookahead", cfg.Scheduler.Lookahead, time.Second)
	if err != nil {
		return err
	}
	a.core = scheduler.NewCore(scheduler.Options{
		BatchSize:     cfg.Scheduler.BatchSize,
		BatchInterval: batchInterval,
		Lookahead:     lookahead,
	}, st, snd, a.tracker, a.retries, a.bus, a.log.With(logx.String("comp", "scheduler")))

	pollInterval, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 5*time.Second)
	if err != nil {
		return err
	}
	cleanupAfter, err := config.ParseDurationOrDefault("scheduler.cleanup_after", cfg.Scheduler.CleanupAfter, 30*time.Minute)
	if err != nil {
		return err
	}
	a.svc = scheduler.NewService(scheduler.ServiceOptions{
		PollInterval: pollInterval,
		CleanupAfter: cleanupAfter,
	}, a.core, st, a.retries, a.log.With(logx.String("comp", "dispatch")))

	if cfg.Notify != nil {
		dedup, err := config.ParseDurationOrDefault("notify.dedup_window", cfg.Notify.DedupWindow, 5*time.Minute)
		if err != nil {
			return err
		}
		a.notif = notifier.New(notifier.Config{
			Destination: cfg.Notify.Destination,
			RatePerSec:  cfg.Notify.RatePerSec,
			DedupWindow: dedup,
		}, tr, a.bus, a.log.With(logx.String("comp", "notifier")))
	}

	if len(cfg.Scheduler.Recurring) > 0 {
		a.recur = scheduler.NewRecurring(a.core, a.log.With(logx.String("comp", "recurring")))
		for _, entry := range cfg.Scheduler.Recurring {
			_, err := a.recur.Add(entry.Cron, transport.Payload{Text: entry.Text}, entry.Targets)
			if err != nil {
				return fmt.Errorf("scheduler.recurring: bad cron %q: %w", entry.Cron, err)
			}
		}
	}

	a.metrics = metrics.New()
	return nil
}

func (a *App) openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage == nil {
		a.log.Warn("no storage configured, state is in-memory only")
		return store.NewMemory(), nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (a *App) openTransport(cfg *config.Config) (transport.Sender, error) {
	if cfg.Telegram == nil {
		a.log.Warn("no transport configured, sends are logged and dropped")
		dry := a.log.With(logx.String("comp", "dryrun"))
		return transport.SenderFunc(func(_ context.Context, destID string, p transport.Payload) error {
			dry.Info("dry-run send", logx.String("destination", destID), logx.String("text", p.Text))
			return nil
		}), nil
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Timeout: pollTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	return ad, nil
}

// Core exposes scheduling operations to the surrounding program.
func (a *App) Core() *scheduler.Core { return a.core }

// Bus exposes engine events to the surrounding program.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.sup.GoRestart("dispatch.loop", a.svc.Run,
		supervisor.WithPublishFirstError(true))

	a.sup.Go("metrics.observe", func(c context.Context) error {
		return a.metrics.Observe(c, a.bus)
	})

	if a.notif != nil && a.notif.Enabled() {
		a.sup.GoRestart("notifier", a.notif.Run)
	}

	if a.recur != nil {
		a.recur.Start()
	}

	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9091"
		}
		a.sup.GoRestart("metrics.http", func(c context.Context) error {
			return metrics.Serve(c, addr, a.metrics, a.log.With(logx.String("comp", "metrics")))
		})
	}

	// Hot reload applies logging changes only; dispatch knobs need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	systemd.NotifyReady()
	systemd.NotifyStatus("dispatching")
	if wd := systemd.WatchdogInterval(); wd > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(wd)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					systemd.NotifyWatchdog()
				}
			}
		})
	}

	a.log.Info("engine started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	systemd.NotifyStopping()
	a.log.Info("stopping")

	if a.recur != nil {
		a.recur.Stop()
	}
	a.sup.Cancel()
	err := a.sup.Wait(ctx)

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("store close failed", logx.Err(cerr))
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
	return err
}
