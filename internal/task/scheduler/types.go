package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name. Empty means the process local zone.
	Timezone string
}

type JobFunc func(ctx context.Context) error

type TaskOptions = engine.TaskOptions

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     JobFunc
	opt     TaskOptions
	entryID cron.EntryID
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     JobFunc
	ver     uint64
}

type Service struct {
	log    logx.Logger
	engine *engine.Service
	parser cron.Parser

	gen atomic.Uint64

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	defs []scheduleDef

	tmu    sync.Mutex
	once   map[string]onceDef
	timers map[string]*time.Timer

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type OnceInfo struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	Running    bool           `json:"running"`
	Timezone   string         `json:"timezone"`
	Generation uint64         `json:"generation"`
	Schedules  []ScheduleInfo `json:"schedules"`
	Once       []OnceInfo     `json:"once,omitempty"`
}
