// Package app wires the tripot daemon together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"tripot/internal/calendar"
	"tripot/internal/civiltime"
	"tripot/internal/collab"
	"tripot/internal/config"
	"tripot/internal/eventbus"
	"tripot/internal/httpapi"
	"tripot/internal/ledger"
	"tripot/internal/observability/pprof"
	"tripot/internal/registry"
	"tripot/internal/runtime/supervisor"
	"tripot/internal/scheduler"
	"tripot/internal/storage"
	"tripot/internal/triggers"
	logx "tripot/pkg/logx"
	"tripot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock civiltime.Clock

	reg      *registry.Registry
	sched    *scheduler.Service
	ledger   *ledger.Ledger
	triggers *triggers.Service
	calendar *calendar.Service
	srv      *httpapi.Server
	pprof    *pprof.Service

	addr string
	ln   net.Listener
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return fail(err)
	}
	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	srvCfg, err := mapServer(cfg)
	if err != nil {
		return fail(err)
	}
	cc, err := mapCollab(cfg)
	if err != nil {
		return fail(err)
	}
	loc, err := civiltime.LoadZone(cfg.Scheduler.Timezone)
	if err != nil {
		return fail(err)
	}

	store, err := storage.Open(sc, root)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	clock := civiltime.Real(loc)
	reg := registry.New(root.With(logx.String("comp", "registry")))
	sched := scheduler.New(schedCfg, scheduler.StoreSource(store), reg, clock,
		root.With(logx.String("comp", "scheduler")), bus)
	led := ledger.New(store, clock, root.With(logx.String("comp", "ledger")), bus)
	trig := triggers.New(store, led, sched, clock, root.With(logx.String("comp", "triggers")))
	cal := calendar.New(store, led, clock, root.With(logx.String("comp", "calendar")))

	var processor collab.Processor = collab.EchoProcessor{}
	if cc.ProcessorURL != "" {
		processor = collab.NewHTTPProcessor(cc.ProcessorURL, cc.Timeout)
	}
	var memory collab.Memory = collab.LogMemory{Log: root.With(logx.String("comp", "memory"))}
	if cc.MemoryURL != "" {
		memory = collab.NewHTTPMemory(cc.MemoryURL, cc.Timeout)
	}
	prompter := collab.FilePrompter{Paths: cc.PromptPaths, Log: root.With(logx.String("comp", "prompter"))}

	srv := httpapi.New(srvCfg, httpapi.Deps{
		Store:     store,
		Registry:  reg,
		Scheduler: sched,
		Triggers:  trig,
		Calendar:  cal,
		Prompter:  prompter,
		Processor: processor,
		Memory:    memory,
		Clock:     clock,
		Log:       root.With(logx.String("comp", "http")),
		Bus:       bus,
	})

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		clock:    clock,
		reg:      reg,
		sched:    sched,
		ledger:   led,
		triggers: trig,
		calendar: cal,
		srv:      srv,
		addr:     srvCfg.Addr,
	}
	a.pprof = pprof.New(mapDebug(cfg), a.stats, root.With(logx.String("comp", "pprof")))
	return a, nil
}

type stats struct {
	Sessions      int                `json:"sessions"`
	Users         []string           `json:"users"`
	Scheduler     scheduler.Status   `json:"scheduler"`
	Goroutines    []supervisor.Stats `json:"goroutines"`
	EventsDropped uint64             `json:"events_dropped"`
}

func (a *App) stats() any {
	st := stats{
		Sessions:      a.reg.Len(),
		Users:         a.reg.Users(),
		Scheduler:     a.sched.Status(),
		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}

// Addr is the bound listener address once Start returned.
func (a *App) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		if _, err := mapScheduler(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapServer(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapCollab(cfg); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	// Bind before reporting started so a taken port fails Start, not a goroutine.
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.ln = ln

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			_ = ln.Close()
			return err
		}
	} else {
		a.log.Info("scheduler disabled by config")
	}

	a.sup.Go("http", func(c context.Context) error {
		return a.srv.Serve(c, ln)
	})

	// Debug-level event log; components publish lifecycle signals only.
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
				a.log.Debug("event", logx.String("topic", e.Topic), logx.String("user", e.UserID), logx.Time("time", e.Time))
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.String("addr", ln.Addr().String()))
	return nil
}

// applyConfig pushes the hot-reloadable sections into live components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if sc, err := mapSession(next); err != nil {
		a.log.Warn("invalid session config; keeping previous", logx.Err(err))
	} else {
		a.srv.SetSessionConfig(sc)
	}

	schedCfg, err := mapScheduler(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		switch {
		case wasEnabled && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := a.sched.Stop(stopCtx); err != nil {
				a.log.Warn("scheduler stop failed", logx.Err(err))
			}
			cancel()
		case !wasEnabled && schedCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(ctx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}

	a.pprof.Reconfigure(ctx, mapDebug(next))

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
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

	// No new fires while sessions drain.
	step("scheduler", 2*time.Second, a.sched.Stop)

	// Canceling the supervisor shuts the HTTP server down; its goroutine
	// returns once every live session flushed its transcript.
	a.sup.Cancel()
	step("supervisor", 20*time.Second, a.sup.Wait)

	step("pprof", 1*time.Second, a.pprof.Stop)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
