package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/contact"
	"remindbot/internal/dispatch"
	"remindbot/internal/entitlement"
	"remindbot/internal/eventbus"
	"remindbot/internal/gateway"
	"remindbot/internal/gateway/httpbridge"
	"remindbot/internal/jobs"
	"remindbot/internal/observability/status"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm     *config.ConfigManager
	settings config.Settings

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	tracker  *gateway.StateTracker
	gw       gateway.Gateway
	bridge   *httpbridge.Client
	loopback *gateway.Loopback

	ent     *entitlement.Resolver
	disp    *dispatch.Dispatcher
	scanner *dispatch.Scanner
	runner  *dispatch.Runner
	jobs    *jobs.Jobs

	engine *engine.Service
	sched  *scheduler.Service
	status *status.Service
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	return build(cfgm, s)
}

func build(cfgm *config.ConfigManager, s config.Settings) (*App, error) {
	// Alerts need the logger and the logger wants the alert sender, so the
	// service starts without one and gets it once the bot is built.
	logSvc, root := logx.New(s.Logging, nil)
	log := root.With(logx.Component("app"))
	if s.Telegram.Token != "" {
		bot, err := telegram.New(telegram.Config{Token: s.Telegram.Token, Timeout: s.Telegram.Timeout}, root.With(logx.Component("telegram")))
		if err != nil {
			log.Warn("telegram alerts unavailable", logx.Err(err))
		} else {
			logSvc.SetSender(bot)
		}
	}

	bus := eventbus.New()
	tracker := gateway.NewStateTracker(bus, root.With(logx.Component("gateway")))

	store, err := storage.Open(storageConfig(s.Storage), root.With(logx.Component("storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", s.Storage.Driver))

	a := &App{
		cfgm:     cfgm,
		settings: s,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tracker:  tracker,
	}

	switch s.Gateway.Mode {
	case "loopback":
		a.loopback = gateway.NewLoopback(tracker, root.With(logx.Component("gateway.loopback")))
		a.gw = a.loopback
		log.Warn("gateway in loopback mode; messages are recorded, not delivered")
	default:
		c, err := httpbridge.New(bridgeConfig(s.Gateway), tracker, root.With(logx.Component("gateway.http")))
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("gateway: %w", err)
		}
		a.bridge, a.gw = c, c
	}

	a.ent = entitlement.NewResolver(store, planTable(s.Plans), s.Location, root.With(logx.Component("entitlement")))
	contacts := contact.NewResolver(store, root.With(logx.Component("contact")))
	deliverer := gateway.NewDeliverer(a.gw, candidateOptions(s.Gateway), s.Gateway.SendTimeout, root.With(logx.Component("delivery")))

	a.disp = dispatch.NewDispatcher(dispatch.Deps{
		Store:        store,
		Entitlements: a.ent,
		Contacts:     contacts,
		Sender:       deliverer,
		Journal:      store,
		Bus:          bus,
		Log:          root.With(logx.Component("dispatch")),
	}, dispatchConfig(s))
	a.scanner = dispatch.NewScanner(store, scannerConfig(s.Dispatch), root.With(logx.Component("scanner")))
	a.runner = dispatch.NewRunner(a.scanner, a.disp, s.Dispatch.Workers, root.With(logx.Component("dispatch")))

	a.engine = engine.New(engineConfig(s.TaskEngine), root.With(logx.Component("taskengine")), bus)
	a.sched = scheduler.New(schedulerConfig(s), a.engine, root.With(logx.Component("scheduler")))
	a.jobs = jobs.New(jobs.Deps{
		Ticker:       a.runner,
		Store:        store,
		Entitlements: a.ent,
		Contacts:     contacts,
		Sender:       deliverer,
		Log:          root,
	})
	if err := a.jobs.Register(a.sched, jobSchedule(s.Scheduler)); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a.status = status.New(statusConfig(s.Status), status.Sources{
		Gateway: func(ctx context.Context) status.GatewayInfo {
			return status.GatewayInfo{State: string(a.gw.State(ctx)), Since: tracker.Since()}
		},
		Scheduler: a.sched.Snapshot,
		Engine:    a.engine.Snapshot,
		LastTick:  a.runner.Last,
		Recent:    store.RecentDispatches,
		Supervisor: func() rtsup.SupervisorSnapshot {
			if a.sup == nil {
				return rtsup.SupervisorSnapshot{}
			}
			return a.sup.Snapshot()
		},
		DroppedAlerts: logSvc.DroppedAlerts,
		Ping:          store.Ping,
	}, root)
	return a, nil
}

// Done is closed once the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	if err := a.store.Ping(runCtx); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}

	a.engine.Start(runCtx)

	// Subscribe before the first state can be published.
	states, unsub := a.bus.Subscribe(16)
	a.sup.Go0("gateway.state", func(c context.Context) {
		defer unsub()
		a.onGatewayState(c, a.tracker.Get())
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-states:
				if !ok {
					return
				}
				if ch, isState := e.Data.(gateway.StateChange); isState && e.Type == gateway.EventState {
					a.onGatewayState(c, ch.To)
				}
			}
		}
	})

	switch {
	case a.bridge != nil:
		// The poller only returns on cancel; any other exit is restarted.
		a.sup.GoRestart("gateway.poll", a.bridge.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(false),
		)
	case a.loopback != nil:
		a.loopback.SetState(gateway.StateConnected)
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.Consume(c, a.bus, 128, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		})
	})

	a.status.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("gateway", a.settings.Gateway.Mode),
		logx.String("timezone", a.settings.Location.String()),
		logx.String("dispatch_every", a.settings.Scheduler.DispatchEvery),
	)
	return nil
}

// onGatewayState runs the scheduler only while the gateway is connected.
// Reconnecting queues an immediate catch-up tick.
func (a *App) onGatewayState(ctx context.Context, st gateway.State) {
	if st == gateway.StateConnected {
		if a.sched.Running() {
			return
		}
		a.sched.Start(ctx)
		if err := a.jobs.CatchUp(a.sched, a.settings.Scheduler.JobTimeout); err != nil {
			a.log.Warn("catch-up dispatch not queued", logx.Err(err))
		}
		a.log.Info("scheduler started", logx.String("gateway", string(st)))
		return
	}
	if !a.sched.Running() {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	a.sched.Stop(stopCtx)
	a.log.Info("scheduler stopped", logx.String("gateway", string(st)))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
