package app

import (
	"context"
	"strings"

	"llmsched/internal/config"
	logx "llmsched/pkg/logx"
)

// reloadLoop applies configs published by the manager until ctx ends. Bursts
// are coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	coalesce:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break coalesce
			}
		}
		if newCfg == nil {
			continue
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("settings", restart))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg.Logging))
		case "scheduler":
			patch, err := config.ToSchedulerPatch(newCfg.Scheduler)
			if err == nil {
				err = a.sched.UpdateConfig(patch)
			}
			if err != nil {
				a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
			}
		case "pprof":
			pc, err := mapPprofConfig(newCfg.Pprof)
			if err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				continue
			}
			a.pprof.Reconfigure(ctx, pc)
		case "status_report":
			if err := a.rescheduleReport(newCfg.StatusReport); err != nil {
				a.log.Warn("status report not rescheduled", logx.Err(err))
			}
		}
	}

	a.log.Info("config reloaded", fields...)
}
