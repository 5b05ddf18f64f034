package config

import (
	"reflect"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and a set
// of log fields describing them. Tokens and DSNs are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if differs {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	section("timezone", oldCfg.Timezone != newCfg.Timezone, logx.String("timezone", newCfg.Timezone))
	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
	)
	section("telegram", !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram),
		logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		logx.Int64("telegram.alert_chat_id", newCfg.Telegram.AlertChatID),
	)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
	)
	section("gateway", !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway),
		logx.String("gateway.mode", newCfg.Gateway.Mode),
		logx.String("gateway.base_url", newCfg.Gateway.BaseURL),
		logx.Bool("gateway.token_set", newCfg.Gateway.Token != ""),
	)
	section("dispatch", !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch),
		logx.String("dispatch.lookback", newCfg.Dispatch.Lookback),
		logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
	)
	section("plans", !reflect.DeepEqual(oldCfg.Plans, newCfg.Plans), logx.Int("plans.count", len(newCfg.Plans)))
	section("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.String("scheduler.dispatch_every", newCfg.Scheduler.DispatchEvery),
		logx.String("scheduler.digest_at", newCfg.Scheduler.DigestAt),
		logx.String("scheduler.reset_notice", newCfg.Scheduler.ResetNotice),
		logx.String("scheduler.tips", newCfg.Scheduler.Tips),
	)
	section("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine),
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
	)
	section("status", !reflect.DeepEqual(oldCfg.Status, newCfg.Status),
		logx.Bool("status.enabled", newCfg.Status.Enabled),
		logx.String("status.addr", newCfg.Status.Addr),
	)
	return changed, attrs
}

// RestartRequired names changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "gateway", "telegram":
			out = append(out, s)
		}
	}
	return out
}
