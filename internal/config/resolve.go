package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

const Off = "off"

// gatewayCallsPerDelivery is the most gateway calls one delivery makes:
// two address candidates, each checked and then sent to.
const gatewayCallsPerDelivery = 4

// Settings is Config after defaults, parsing and validation.
type Settings struct {
	Location   *time.Location
	Logging    logx.Config
	Telegram   TelegramSettings
	Storage    StorageSettings
	Gateway    GatewaySettings
	Dispatch   DispatchSettings
	Plans      map[string]PlanConfig
	Scheduler  SchedulerSettings
	TaskEngine TaskEngineSettings
	Status     StatusConfig
}

type TelegramSettings struct {
	Token       string
	AlertChatID int64
	Timeout     time.Duration
}

type StorageSettings struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration
	MaxOpenConns int
	LogRetention time.Duration
}

type GatewaySettings struct {
	Mode          string
	BaseURL       string
	Token         string
	PollInterval  time.Duration
	HTTPTimeout   time.Duration
	SendTimeout   time.Duration
	CountryCode   string
	AddressSuffix string
}

type DispatchSettings struct {
	Lookback      time.Duration
	BatchSize     int
	Workers       int
	Timeout       time.Duration
	// WriteTimeout bounds the store write-back after delivery, separately from Timeout.
	WriteTimeout  time.Duration
	MessageFormat string
}

type SchedulerSettings struct {
	DispatchEvery string
	// DispatchGap is the longest gap between two dispatch triggers.
	DispatchGap time.Duration
	DigestAt    string // empty when disabled
	ResetNotice string // empty when disabled
	Tips        string // empty when disabled
	JobTimeout  time.Duration
}

type TaskEngineSettings struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	HistorySize    int
	RetryMax       int
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolve applies defaults and validates every section. All problems are
// reported together, each prefixed with its config path.
func (c *Config) Resolve() (Settings, error) {
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	s.Location = time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			fail("timezone: %w", err)
		} else {
			s.Location = loc
		}
	}

	lg := c.Logging
	if !logx.ValidLevel(lg.Level) {
		fail("logging.level: unknown level %q", lg.Level)
	}
	if !logx.ValidLevel(lg.Alerts.MinLevel) {
		fail("logging.alerts.min_level: unknown level %q", lg.Alerts.MinLevel)
	}
	if lg.Alerts.Enabled && c.Telegram.AlertChatID == 0 {
		fail("logging.alerts: telegram.alert_chat_id is required")
	}
	if lg.Alerts.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		fail("logging.alerts: telegram.token is required")
	}
	s.Logging = logx.Config{
		Level:   lg.Level,
		Console: lg.Console,
		File:    logx.FileConfig{Enabled: lg.File.Enabled, Path: lg.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lg.Alerts.Enabled,
			ChatID:     c.Telegram.AlertChatID,
			ThreadID:   lg.Alerts.ThreadID,
			MinLevel:   lg.Alerts.MinLevel,
			RatePerSec: lg.Alerts.RatePerSec,
		},
	}

	s.Telegram = TelegramSettings{
		Token:       strings.TrimSpace(c.Telegram.Token),
		AlertChatID: c.Telegram.AlertChatID,
		Timeout:     dur("telegram.timeout", c.Telegram.Timeout, 8*time.Second),
	}

	st := c.Storage
	s.Storage = StorageSettings{
		Driver:       strings.ToLower(strings.TrimSpace(st.Driver)),
		Path:         strings.TrimSpace(st.Path),
		DSN:          strings.TrimSpace(st.DSN),
		BusyTimeout:  dur("storage.busy_timeout", st.BusyTimeout, 5*time.Second),
		MaxOpenConns: st.MaxOpenConns,
		LogRetention: dur("storage.log_retention", st.LogRetention, 30*24*time.Hour),
	}
	switch s.Storage.Driver {
	case "":
		s.Storage.Driver = "sqlite"
		fallthrough
	case "sqlite", "sqlite3":
		if s.Storage.Path == "" {
			s.Storage.Path = "./data/remindbot.db"
		}
	case "postgres", "postgresql", "pgx":
		if s.Storage.DSN == "" {
			fail("storage.dsn: required for driver %q", s.Storage.Driver)
		}
	case "memory", "mem":
	default:
		fail("storage.driver: unknown driver %q", st.Driver)
	}
	if st.MaxOpenConns < 0 {
		fail("storage.max_open_conns: must be >= 0")
	}

	gw := c.Gateway
	s.Gateway = GatewaySettings{
		Mode:          strings.ToLower(strings.TrimSpace(gw.Mode)),
		BaseURL:       strings.TrimSpace(gw.BaseURL),
		Token:         strings.TrimSpace(gw.Token),
		PollInterval:  dur("gateway.poll_interval", gw.PollInterval, 5*time.Second),
		HTTPTimeout:   dur("gateway.http_timeout", gw.HTTPTimeout, 10*time.Second),
		SendTimeout:   dur("gateway.send_timeout", gw.SendTimeout, 10*time.Second),
		CountryCode:   strings.TrimSpace(gw.CountryCode),
		AddressSuffix: strings.TrimSpace(gw.AddressSuffix),
	}
	if s.Gateway.CountryCode == "" {
		s.Gateway.CountryCode = "55"
	}
	if _, err := strconv.ParseUint(s.Gateway.CountryCode, 10, 16); err != nil {
		fail("gateway.country_code: must be digits, got %q", gw.CountryCode)
	}
	if s.Gateway.AddressSuffix == "" {
		s.Gateway.AddressSuffix = "@c.us"
	}
	switch s.Gateway.Mode {
	case "", "http":
		s.Gateway.Mode = "http"
		u, err := url.Parse(s.Gateway.BaseURL)
		if s.Gateway.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			fail("gateway.base_url: absolute URL required in http mode, got %q", gw.BaseURL)
		}
	case "loopback":
	default:
		fail("gateway.mode: unknown mode %q (http or loopback)", gw.Mode)
	}

	d := c.Dispatch
	s.Dispatch = DispatchSettings{
		Lookback:      dur("dispatch.lookback", d.Lookback, 20*time.Minute),
		BatchSize:     d.BatchSize,
		Workers:       d.Workers,
		Timeout:       dur("dispatch.timeout", d.Timeout, time.Minute),
		WriteTimeout:  dur("dispatch.write_timeout", d.WriteTimeout, 10*time.Second),
		MessageFormat: d.MessageFormat,
	}
	if budget := gatewayCallsPerDelivery * s.Gateway.SendTimeout; s.Dispatch.Timeout < budget {
		fail("dispatch.timeout: %s is below the worst-case delivery time %s (%d gateway calls x gateway.send_timeout)",
			s.Dispatch.Timeout, budget, gatewayCallsPerDelivery)
	}
	if s.Dispatch.BatchSize <= 0 {
		s.Dispatch.BatchSize = 100
	}
	if s.Dispatch.Workers <= 0 {
		s.Dispatch.Workers = 4
	}
	if f := s.Dispatch.MessageFormat; f != "" && !strings.Contains(f, "%") {
		fail("dispatch.message_format: must contain a %%q or %%s verb for the title")
	}

	s.Plans = map[string]PlanConfig{}
	for name, p := range c.Plans {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			fail("plans: empty plan name")
			continue
		}
		if p.MonthlyCap < 0 {
			fail("plans.%s.monthly_cap: must be >= 0", key)
		}
		if p.MonthlyCap > 0 && !p.Deliver {
			fail("plans.%s: monthly_cap set on a plan without delivery", key)
		}
		s.Plans[key] = p
	}

	sc := c.Scheduler
	s.Scheduler = SchedulerSettings{
		DispatchEvery: strings.TrimSpace(sc.DispatchEvery),
		DigestAt:      strings.TrimSpace(sc.DigestAt),
		ResetNotice:   strings.TrimSpace(sc.ResetNotice),
		Tips:          strings.TrimSpace(sc.Tips),
		JobTimeout:    dur("scheduler.job_timeout", sc.JobTimeout, 5*time.Minute),
	}
	if s.Scheduler.DispatchEvery == "" {
		s.Scheduler.DispatchEvery = "2m"
	}
	gap, err := scheduleGap(s.Scheduler.DispatchEvery, s.Location)
	if err != nil {
		fail("scheduler.dispatch_every: %w", err)
	} else {
		s.Scheduler.DispatchGap = gap
		if s.Dispatch.Lookback <= gap {
			fail("dispatch.lookback: %s must exceed the dispatch interval %s", s.Dispatch.Lookback, gap)
		}
	}
	switch strings.ToLower(s.Scheduler.DigestAt) {
	case "":
		s.Scheduler.DigestAt = "08:00"
	case Off:
		s.Scheduler.DigestAt = ""
	default:
		if !validHHMM(s.Scheduler.DigestAt) {
			fail("scheduler.digest_at: expected HH:MM, got %q", sc.DigestAt)
		}
	}
	switch strings.ToLower(s.Scheduler.ResetNotice) {
	case "":
		s.Scheduler.ResetNotice = "0 7 1 * *"
	case Off:
		s.Scheduler.ResetNotice = ""
	default:
		if _, err := cronParser.Parse(s.Scheduler.ResetNotice); err != nil {
			fail("scheduler.reset_notice: %w", err)
		}
	}
	switch strings.ToLower(s.Scheduler.Tips) {
	case "":
		s.Scheduler.Tips = "0 8,12,16,18,21 * * *"
	case Off:
		s.Scheduler.Tips = ""
	default:
		if _, err := cronParser.Parse(s.Scheduler.Tips); err != nil {
			fail("scheduler.tips: %w", err)
		}
	}

	te := c.TaskEngine
	s.TaskEngine = TaskEngineSettings{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: dur("task_engine.default_timeout", te.DefaultTimeout, 0),
		MaxQueueDelay:  dur("task_engine.max_queue_delay", te.MaxQueueDelay, 0),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		fail("task_engine: counts must be >= 0")
	}

	s.Status = c.Status
	if s.Status.Addr == "" {
		s.Status.Addr = "127.0.0.1:8088"
	}
	if s.Status.Enabled {
		host, _, err := net.SplitHostPort(s.Status.Addr)
		if err != nil {
			fail("status.addr: %w", err)
		} else if !isLoopback(host) && strings.TrimSpace(s.Status.Token) == "" {
			fail("status.token: required when status.addr is not loopback")
		}
	}

	return s, errors.Join(errs...)
}

// scheduleGap returns the interval of a duration spec, or the widest gap
// between the next few activations of a cron spec.
func scheduleGap(spec string, loc *time.Location) (time.Duration, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		return scheduleGap(strings.TrimSpace(rest), loc)
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return 0, err
	}
	var gap time.Duration
	t := sched.Next(time.Now().In(loc))
	for range 8 {
		n := sched.Next(t)
		gap = max(gap, n.Sub(t))
		t = n
	}
	return gap, nil
}

func validHHMM(s string) bool {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return false
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	return err1 == nil && err2 == nil && h >= 0 && h <= 23 && m >= 0 && m <= 59
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
