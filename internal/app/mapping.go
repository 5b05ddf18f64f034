package app

import (
	"remindbot/internal/config"
	"remindbot/internal/contact"
	"remindbot/internal/dispatch"
	"remindbot/internal/entitlement"
	"remindbot/internal/gateway/httpbridge"
	"remindbot/internal/jobs"
	"remindbot/internal/observability/status"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
)

func storageConfig(s config.StorageSettings) storage.Config {
	return storage.Config{
		Driver:       s.Driver,
		Path:         s.Path,
		DSN:          s.DSN,
		BusyTimeout:  s.BusyTimeout,
		MaxOpenConns: s.MaxOpenConns,
		LogRetention: s.LogRetention,
	}
}

func bridgeConfig(s config.GatewaySettings) httpbridge.Config {
	return httpbridge.Config{
		BaseURL:      s.BaseURL,
		Token:        s.Token,
		PollInterval: s.PollInterval,
		HTTPTimeout:  s.HTTPTimeout,
	}
}

func candidateOptions(s config.GatewaySettings) contact.CandidateOptions {
	return contact.CandidateOptions{CountryCode: s.CountryCode, Suffix: s.AddressSuffix}
}

// planTable overlays configured plans on the stock table.
func planTable(plans map[string]config.PlanConfig) entitlement.Table {
	t := entitlement.DefaultTable()
	for name, p := range plans {
		t[entitlement.Plan(name)] = entitlement.Policy{Deliver: p.Deliver, MonthlyCap: p.MonthlyCap}
	}
	return t
}

func dispatchConfig(s config.Settings) dispatch.Config {
	return dispatch.Config{
		Timeout:      s.Dispatch.Timeout,
		WriteTimeout: s.Dispatch.WriteTimeout,
		Location:     s.Location,
		Format:       dispatch.MessageFormat(s.Dispatch.MessageFormat),
	}
}

func scannerConfig(s config.DispatchSettings) dispatch.ScannerConfig {
	return dispatch.ScannerConfig{Lookback: s.Lookback, BatchSize: s.BatchSize}
}

func engineConfig(s config.TaskEngineSettings) engine.Config {
	return engine.Config{
		Workers:        s.Workers,
		QueueSize:      s.QueueSize,
		DefaultTimeout: s.DefaultTimeout,
		MaxQueueDelay:  s.MaxQueueDelay,
		HistorySize:    s.HistorySize,
		RetryMax:       s.RetryMax,
	}
}

func schedulerConfig(s config.Settings) scheduler.Config {
	return scheduler.Config{Timezone: s.Location.String()}
}

func jobSchedule(s config.SchedulerSettings) jobs.Schedule {
	return jobs.Schedule{
		DispatchEvery: s.DispatchEvery,
		DigestAt:      s.DigestAt,
		ResetNotice:   s.ResetNotice,
		Tips:          s.Tips,
		Timeout:       s.JobTimeout,
	}
}

func statusConfig(s config.StatusConfig) status.Config {
	return status.Config{Enabled: s.Enabled, Addr: s.Addr, Token: s.Token}
}
