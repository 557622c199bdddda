// Package app wires the scheduler to its configuration, downstream executor,
// journal, HTTP gateway and service-manager integration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llmsched/internal/config"
	"llmsched/internal/downstream"
	"llmsched/internal/eventbus"
	"llmsched/internal/gateway"
	"llmsched/internal/observability/pprof"
	rtsup "llmsched/internal/runtime/supervisor"
	"llmsched/internal/sched"
	"llmsched/internal/storage"
	logx "llmsched/pkg/logx"
	"llmsched/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec  *downstream.Client
	sched *sched.Scheduler
	gw    *gateway.Server // nil when server.enabled is false
	pprof *pprof.Service

	reportMu sync.Mutex
	report   *statusReporter
	sd       systemd.Notifier
}

// New loads cfgPath and builds every component without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, config.WithValidator(validateMappings))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("outcome journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	dopts, err := mapDownstream(cfg.Downstream, log)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	exec, err := downstream.New(dopts)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	scfg, err := config.ToSchedulerConfig(cfg.Scheduler)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	sc, err := sched.New(scfg, exec.Executor(),
		sched.WithLogger(log.With(logx.String("comp", "sched"))),
		sched.WithBus(bus),
	)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	var gw *gateway.Server
	if cfg.Server.Enabled {
		gcfg, err := mapGateway(cfg.Server)
		if err != nil {
			return nil, closeOnErr(store, err)
		}
		opts := []gateway.Option{gateway.WithBus(bus), gateway.WithLogger(log)}
		if store != nil {
			opts = append(opts, gateway.WithOutcomes(store))
		}
		gw = gateway.New(gcfg, sc, opts...)
	}

	pcfg, err := mapPprofConfig(cfg.Pprof)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    exec,
		sched:   sc,
		gw:      gw,
		pprof:   pprof.New(pcfg, log),
	}, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

// validateMappings rejects a reloaded file whose sections would fail to map
// onto their components. (*Config).Validate has already run.
func validateMappings(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if _, err := config.ToSchedulerPatch(cfg.Scheduler); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg.Pprof); err != nil {
		return err
	}
	if _, err := mapGateway(cfg.Server); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}

func (a *App) Scheduler() *sched.Scheduler { return a.sched }

func (a *App) Store() storage.Store { return a.store }

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
	run := a.sup.Context()

	a.sched.Start(run)

	if a.store != nil {
		a.sup.Go("journal", func(c context.Context) error {
			return runJournal(c, a.bus, a.store, a.log.With(logx.String("comp", "journal")))
		})
	}
	if a.gw != nil {
		a.sup.GoRestart("gateway.serve", a.gw.Serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	a.pprof.Reconfigure(run, mustPprof(a.cfgm.Get().Pprof))

	if err := a.rescheduleReport(a.cfgm.Get().StatusReport); err != nil {
		a.sup.Cancel()
		return err
	}

	// Debug trace of every bus event.
	events, unsub := a.bus.Subscribe(128)
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started",
		logx.Bool("gateway", a.gw != nil),
		logx.Bool("journal", a.store != nil),
		logx.Bool("status_report", a.cfgm.Get().StatusReport.Enabled),
	)
	return nil
}

// rescheduleReport replaces the running status reporter, if any.
func (a *App) rescheduleReport(rc config.StatusReportConfig) error {
	a.reportMu.Lock()
	defer a.reportMu.Unlock()
	a.report.stop()
	a.report = nil
	rep, err := startStatusReport(rc, a.sched, a.sd, a.log.With(logx.String("comp", "status")))
	if err != nil {
		return err
	}
	a.report = rep
	return nil
}

func (a *App) stopReport() {
	a.reportMu.Lock()
	defer a.reportMu.Unlock()
	a.report.stop()
	a.report = nil
}

// mustPprof maps a section that has already passed validateMappings.
func mustPprof(c config.PprofConfig) pprof.Config {
	pc, _ := mapPprofConfig(c)
	return pc
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("status_report", time.Second, func(context.Context) error { a.stopReport(); return nil })
	// The scheduler goes first so held gateway submissions get their
	// cancellation answer before the listener closes.
	step("scheduler", 5*time.Second, a.sched.Stop)
	a.sup.Cancel()
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	// Waiting on the supervisor lets the journal drain before the store closes.
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn bounded by max and the caller's deadline. A step that
// ignores its context is left running and reported when it finally returns.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
