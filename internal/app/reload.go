package app

import (
	"context"
	"strings"

	"remindbot/internal/config"
	logx "remindbot/pkg/logx"
)

// reloadLoop applies every validated config the manager publishes. Bursts
// collapse to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
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

		changed, attrs := config.SummarizeConfigChange(last, next)
		if len(changed) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		s, err := next.Resolve()
		if err != nil {
			a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
			continue
		}
		last = next
		a.apply(ctx, s)

		if restart := config.RestartRequired(changed); len(restart) > 0 {
			a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
		}
		fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
		a.log.Info("config applied", fields...)
	}
}

// apply pushes the hot-reloadable settings into the running components.
// Storage, gateway and the alert bot keep their startup settings.
func (a *App) apply(ctx context.Context, s config.Settings) {
	logging := s.Logging
	logging.Alerts.ChatID = a.settings.Telegram.AlertChatID
	a.logs.Apply(logging)

	a.ent.Apply(planTable(s.Plans), s.Location)
	a.disp.Apply(dispatchConfig(s))
	a.scanner.Apply(scannerConfig(s.Dispatch))
	a.runner.SetWorkers(s.Dispatch.Workers)

	a.engine.Apply(ctx, engineConfig(s.TaskEngine))
	a.sched.Apply(schedulerConfig(s))
	if err := a.jobs.Register(a.sched, jobSchedule(s.Scheduler)); err != nil {
		a.log.Warn("job schedule update failed", logx.Err(err))
	}
	a.status.Reconfigure(ctx, statusConfig(s.Status))

	s.Storage, s.Gateway, s.Telegram = a.settings.Storage, a.settings.Gateway, a.settings.Telegram
	a.settings = s
}
