package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every override, e.g. REMINDBOT_TELEGRAM_TOKEN.
const EnvPrefix = "REMINDBOT"

// Env holds the settings that may come from the environment. Secrets
// belong here rather than in the config file. Empty values leave the file
// value alone.
type Env struct {
	Timezone      string `envconfig:"TIMEZONE"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	AlertChatID   int64  `envconfig:"ALERT_CHAT_ID"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	GatewayURL    string `envconfig:"GATEWAY_URL"`
	GatewayToken  string `envconfig:"GATEWAY_TOKEN"`
	StatusToken   string `envconfig:"STATUS_TOKEN"`
}

func LoadEnv() (Env, error) {
	var e Env
	err := envconfig.Process(EnvPrefix, &e)
	return e, err
}

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config, e Env) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Timezone, e.Timezone)
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Storage.Driver, e.StorageDriver)
	set(&cfg.Storage.DSN, e.StorageDSN)
	set(&cfg.Gateway.BaseURL, e.GatewayURL)
	set(&cfg.Gateway.Token, e.GatewayToken)
	set(&cfg.Status.Token, e.StatusToken)
	if e.AlertChatID != 0 {
		cfg.Telegram.AlertChatID = e.AlertChatID
	}
}
