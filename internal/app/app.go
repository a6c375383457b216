package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bulkrun/internal/batch"
	"bulkrun/internal/config"
	"bulkrun/internal/eventbus"
	"bulkrun/internal/maintenance"
	"bulkrun/internal/notifier"
	"bulkrun/internal/observability/ops"
	"bulkrun/internal/queue"
	"bulkrun/internal/storage"
	logx "bulkrun/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	persistDedup bool

	queue *queue.Manager
	batch *batch.Service
	notif *notifier.Service
	maint *maintenance.Service
	ops   *ops.Service
}

// NewApp loads cfgPath and wires every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

// NewFromConfig wires an app from an in-memory config. Hot reload is disabled.
func NewFromConfig(cfg *Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(nil, cfg)
}

func build(cfgm *ConfigManager, cfg *Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	qcfg, err := mapQueueManagerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	qm := queue.New(qcfg, log.With(logx.String("comp", "queue")), bus, queue.NewMetrics(reg))

	persist := persistent(sc)
	ncfg, sinks, err := mapNotifierConfig(cfg, log.With(logx.String("comp", "notify")), persist)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, sinks, log.With(logx.String("comp", "notifier")), bus, store)

	proc, err := mapProcessor(cfg)
	if err != nil {
		return fail(err)
	}
	policy, err := mapBatchPolicy(cfg)
	if err != nil {
		return fail(err)
	}
	overrides, err := mapQueueOverrides(cfg)
	if err != nil {
		return fail(err)
	}
	bs, err := batch.New(batch.Options{
		Store:       store,
		Queue:       qm,
		Processor:   proc,
		Notifier:    notif,
		Bus:         bus,
		Log:         log,
		Metrics:     batch.NewMetrics(reg),
		Policy:      policy,
		QueueConfig: overrides,
	})
	if err != nil {
		return fail(err)
	}

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return fail(err)
	}
	maint := maintenance.New(mcfg, bs, log, bus)

	a := &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		reg:          reg,
		persistDedup: persist,
		queue:        qm,
		batch:        bs,
		notif:        notif,
		maint:        maint,
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.ops = ops.New(ocfg, ops.Deps{Gatherer: reg, Queues: bs, Supervisors: a.supervisors}, log)
	return a, nil
}

// Batches exposes the orchestrator.
func (a *App) Batches() *batch.Service { return a.batch }

func (a *App) Notifier() *notifier.Service { return a.notif }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) supervisors() map[string]*Supervisor {
	out := map[string]*Supervisor{}
	if a.sup != nil {
		out["app"] = a.sup
	}
	if s := a.queue.Supervisor(); s != nil {
		out["queue"] = s
	}
	if s := a.notif.Supervisor(); s != nil {
		out["notifier"] = s
	}
	if s := a.ops.Supervisor(); s != nil {
		out["ops"] = s
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			return validateMapped(cfg)
		})
	}

	a.queue.Start(a.sup.Context())
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	n, err := a.batch.Reconcile(a.sup.Context())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if n > 0 {
		a.log.Info("resumed unfinished batches", logx.Int("batches", n))
	}

	a.maint.Start(a.sup.Context())
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case next, ok := <-sub:
					if !ok {
						return nil
					}
					// Coalesce bursts.
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								next = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// validateMapped rejects reloads the component mappers would refuse.
func validateMapped(cfg *Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueManagerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueOverrides(cfg); err != nil {
		return err
	}
	if _, err := mapBatchPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapProcessor(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg, logx.Nop(), false); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}

// applyConfig pushes a validated reload to every live component. Storage,
// processor and queue manager settings need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs, queues := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	for _, s := range []string{"storage", "processor", "queue"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed["queues"] {
		if fn, err := mapQueueOverrides(next); err != nil {
			a.log.Warn("invalid queues config; keeping previous", logx.Err(err))
		} else {
			a.batch.SetQueueConfig(fn)
			a.log.Debug("queue overrides applied", logx.Any("queues", queues))
		}
	}
	if changed["batch"] {
		if p, err := mapBatchPolicy(next); err != nil {
			a.log.Warn("invalid batch config; keeping previous", logx.Err(err))
		} else {
			a.batch.SetPolicy(p)
		}
	}
	if changed["notifier"] {
		a.applyNotifier(ctx, next)
	}
	if changed["maintenance"] {
		if m, err := mapMaintenanceConfig(next); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else {
			a.maint.Apply(m)
		}
	}
	if changed["ops"] {
		if o, err := mapOpsConfig(next); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, o)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *Config) {
	ncfg, sinks, err := mapNotifierConfig(next, a.log.With(logx.String("comp", "notify")), a.persistDedup)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.SetSinks(sinks)
	a.notif.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage without extending the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { return a.queue.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
