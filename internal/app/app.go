package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"autopost/internal/config"
	"autopost/internal/credential"
	"autopost/internal/dispatch"
	"autopost/internal/dispatch/queue"
	"autopost/internal/eventbus"
	"autopost/internal/httpapi"
	"autopost/internal/item"
	"autopost/internal/notifier"
	"autopost/internal/platform"
	"autopost/internal/poller"
	"autopost/internal/publish"
	rtsup "autopost/internal/runtime/supervisor"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	kit "autopost/internal/transport"
	telegram "autopost/internal/transport/telegram/adapter"
	logx "autopost/pkg/logx"
)

// rearmHorizon bounds the scan that refills a volatile queue on start.
const rearmHorizon = 10 * 365 * 24 * time.Hour

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	queue queue.Queue

	pub    *publish.Publisher
	engine *engine.Service
	disp   *dispatch.Dispatcher
	sched  *scheduler.Service
	poll   *poller.Poller
	items  *item.Service
	notif  *notifier.Service
	http   *httpapi.Service

	rearm bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	// On any error below, release what was opened so far.
	var closers []func() error
	ok := false
	defer func() {
		if ok {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = logSvc.Close()
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)
	log.Info("storage opened", logx.String("driver", sc.Driver))

	var (
		db    = sharedDB(store)
		creds credential.Store
	)
	if db != nil {
		creds = credential.NewSQL(db)
	} else {
		log.Warn("memory storage has no credential table; every publish will fail until restarted on sqlite")
		creds = credential.NewStatic()
	}

	qcfg := mapQueueConfig(cfg)
	q, err := queue.Open(context.Background(), qcfg, db)
	if err != nil {
		return nil, err
	}
	closers = append(closers, q.Close)
	log.Info("dispatch queue opened", logx.String("driver", qcfg.Driver))

	bus := eventbus.New()

	pcfg, err := mapPlatformConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := platform.New(pcfg, log.With(logx.String("comp", "platform")))

	perSec, burst := mapRateLimit(cfg)
	pub := publish.New(store, creds, client, log.With(logx.String("comp", "publish")),
		publish.WithBus(bus), publish.WithRateLimit(perSec, burst))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, q, eng, pub, log.With(logx.String("comp", "dispatcher")))

	items := item.NewService(store, disp, log.With(logx.String("comp", "items")), item.WithBus(bus))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, eng, log.With(logx.String("comp", "scheduler")))

	pollCfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poll := poller.New(pollCfg, store, pub, log.With(logx.String("comp", "poller")),
		poller.WithBus(bus), poller.WithInFlight(eng.Running))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender kit.Sender
	if tcfg := mapTelegramConfig(cfg); tcfg.Token != "" {
		ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = ad
	}
	var dedup notifier.DedupStore
	if ds, ok := store.(notifier.DedupStore); ok {
		dedup = ds
	}
	notif := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus, dedup)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	httpSvc := httpapi.New(hcfg, httpapi.Deps{Items: items, Sweeper: poll, Dispatcher: disp}, log)

	ok = true
	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		queue:  q,
		pub:    pub,
		engine: eng,
		disp:   disp,
		sched:  sched,
		poll:   poll,
		items:  items,
		notif:  notif,
		http:   httpSvc,
		rearm:  qcfg.Driver == "memory",
	}, nil
}

func sharedDB(store storage.Store) *sql.DB {
	if p, ok := store.(storage.DBProvider); ok {
		return p.DB()
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	run := a.sup.Context()

	a.engine.Start(run)

	if a.rearm {
		if err := a.rearmScheduled(run); err != nil {
			return err
		}
	}
	a.sup.GoRestart("dispatcher", a.disp.Run,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)

	cfg := a.cfgm.Get()
	if pollerEnabled(cfg) {
		if err := a.poll.Register(a.sched); err != nil {
			return fmt.Errorf("poller: %w", err)
		}
	} else {
		a.log.Info("fallback poller disabled via config")
	}
	a.sched.Start(run)

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if err := a.http.Start(run); err != nil {
		return err
	}

	// Debug trail of pipeline events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(eventbus.ItemEvent); ok {
					fields = append(fields, logx.String("item", ev.ItemID), logx.String("source", ev.Source))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("poller", pollerEnabled(cfg)),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.String("http", a.http.Addr()),
	)
	return nil
}

// rearmScheduled refills a volatile queue from the store.
func (a *App) rearmScheduled(ctx context.Context) error {
	due, err := a.store.ListDue(ctx, time.Now().Add(rearmHorizon), 10000)
	if err != nil {
		return fmt.Errorf("rearm: %w", err)
	}
	for _, it := range due {
		if err := a.disp.Enqueue(ctx, it); err != nil {
			return fmt.Errorf("rearm %s: %w", it.ID, err)
		}
	}
	if len(due) > 0 {
		a.log.Info("re-armed scheduled items", logx.Int("count", len(due)))
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "queue", "platform", "telegram":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if engCfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	if dcfg, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}
	a.pub.SetRateLimit(mapRateLimit(next))

	if scfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}

	if pcfg, err := mapPollerConfig(next); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else if pollerEnabled(next) {
		if err := a.poll.Apply(pcfg, a.sched); err != nil {
			a.log.Warn("poller schedule rejected", logx.Err(err))
		}
	} else {
		_ = a.poll.Apply(pcfg, nil)
		if a.poll.Unregister(a.sched) {
			a.log.Info("fallback poller disabled via config")
		}
	}

	prevNotif := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		now := a.notif.Enabled()
		if prevNotif && !now {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotif && now {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Reconfigure(ctx, hcfg); err != nil {
		a.log.Warn("http reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Inbound first, then triggers, then workers; stores last.
	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("queue", 1*time.Second, func(context.Context) error { return a.queue.Close() })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
