package config

// Config is the on-disk shape (JSON or YAML). Durations are Go duration
// strings; Resolve turns the whole tree into typed settings.
type Config struct {
	// Timezone drives calendar math for recurrence, quota periods and
	// the digest window. IANA name, empty means the process zone.
	Timezone string `json:"timezone,omitempty"`

	Logging    LoggingConfig         `json:"logging"`
	Telegram   TelegramConfig        `json:"telegram"`
	Storage    StorageConfig         `json:"storage"`
	Gateway    GatewayConfig         `json:"gateway"`
	Dispatch   DispatchConfig        `json:"dispatch"`
	Plans      map[string]PlanConfig `json:"plans,omitempty"`
	Scheduler  SchedulerConfig       `json:"scheduler"`
	TaskEngine TaskEngineConfig      `json:"task_engine"`
	Status     StatusConfig          `json:"status"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warnings to telegram.alert_chat_id.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig is the operator alert bot. The token is usually supplied
// through REMINDBOT_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// StorageConfig selects the reminder store.
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	LogRetention string `json:"log_retention,omitempty"`
}

// GatewayConfig points at the messaging bridge. Mode "loopback" records
// sends in memory instead of delivering them (dry run).
type GatewayConfig struct {
	Mode          string `json:"mode,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	Token         string `json:"token,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	HTTPTimeout   string `json:"http_timeout,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	CountryCode   string `json:"country_code,omitempty"`
	AddressSuffix string `json:"address_suffix,omitempty"`
}

type DispatchConfig struct {
	// Lookback must exceed the dispatch interval or reminders can fall
	// between two scans.
	Lookback      string `json:"lookback,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	MessageFormat string `json:"message_format,omitempty"`
}

// PlanConfig overrides one entry of the plan table. monthly_cap 0 is unlimited.
type PlanConfig struct {
	Deliver    bool `json:"deliver"`
	MonthlyCap int  `json:"monthly_cap,omitempty"`
}

// SchedulerConfig holds the job triggers. "off" disables digest_at,
// reset_notice and tips.
type SchedulerConfig struct {
	DispatchEvery string `json:"dispatch_every,omitempty"`
	DigestAt      string `json:"digest_at,omitempty"`
	ResetNotice   string `json:"reset_notice,omitempty"`
	Tips          string `json:"tips,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StatusConfig is the read-only HTTP status surface. Bind to loopback or
// set a token.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
