package status

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"remindbot/internal/dispatch"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// Config controls the status HTTP server.
//
// Security: bind to loopback (default) or set Token. A non-loopback bind
// without a token refuses to start.
type Config struct {
	Enabled bool
	Addr    string
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Sources feeds the report. Nil members are left out.
type Sources struct {
	Gateway    func(ctx context.Context) GatewayInfo
	Scheduler  func() scheduler.Snapshot
	Engine     func() engine.Snapshot
	LastTick   func() dispatch.TickSummary
	Recent     func(ctx context.Context, limit int) ([]storage.DispatchRecord, error)
	Supervisor func() rtsup.SupervisorSnapshot
	// DroppedAlerts counts log alerts lost to a full queue.
	DroppedAlerts func() uint64
	Ping          func(ctx context.Context) error
}

type GatewayInfo struct {
	State string    `json:"state"`
	Since time.Time `json:"since,omitzero"`
}

// Report is the body of GET /status.
type Report struct {
	Now        time.Time                 `json:"now"`
	Uptime     string                    `json:"uptime"`
	Gateway    *GatewayInfo              `json:"gateway,omitempty"`
	Scheduler  *scheduler.Snapshot       `json:"scheduler,omitempty"`
	Engine     *engine.Snapshot          `json:"engine,omitempty"`
	LastTick   *dispatch.TickSummary     `json:"last_tick,omitempty"`
	Recent     []storage.DispatchRecord  `json:"recent,omitempty"`
	RecentErr  string                    `json:"recent_error,omitempty"`
	Supervisor *rtsup.SupervisorSnapshot `json:"supervisor,omitempty"`
	// DroppedAlerts is omitted when nothing was dropped.
	DroppedAlerts uint64 `json:"dropped_alerts,omitempty"`
}

const (
	defaultAddr   = "127.0.0.1:8088"
	defaultRecent = 20
	maxRecent     = 200
)

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	src     Sources
	started time.Time

	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	return &Service{cfg: cfg, src: src, log: log.With(logx.Component("status")), started: time.Now()}
}

// Reconfigure applies cfg, restarting the server when the bind or token changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev.Addr != cfg.Addr || prev.Token != cfg.Token:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("status server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("status server refused to start: non-loopback addr requires a token", logx.String("addr", addr))
		return errors.New("status: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

// Handler builds the gin router. Exposed for tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	token := strings.TrimSpace(s.cfg.Token)
	s.mu.Unlock()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requireToken(token))
	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)
	return r
}

func (s *Service) healthz(c *gin.Context) {
	if s.src.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.src.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Service) status(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now()
	rep := Report{Now: now, Uptime: now.Sub(s.started).Truncate(time.Second).String()}

	if s.src.Gateway != nil {
		g := s.src.Gateway(ctx)
		rep.Gateway = &g
	}
	if s.src.Scheduler != nil {
		snap := s.src.Scheduler()
		rep.Scheduler = &snap
	}
	if s.src.Engine != nil {
		snap := s.src.Engine()
		rep.Engine = &snap
	}
	if s.src.LastTick != nil {
		if t := s.src.LastTick(); !t.Started.IsZero() {
			rep.LastTick = &t
		}
	}
	if s.src.Supervisor != nil {
		snap := s.src.Supervisor()
		rep.Supervisor = &snap
	}
	if s.src.DroppedAlerts != nil {
		rep.DroppedAlerts = s.src.DroppedAlerts()
	}
	if s.src.Recent != nil {
		limit := defaultRecent
		if v, err := strconv.Atoi(c.Query("recent")); err == nil && v >= 0 {
			limit = min(v, maxRecent)
		}
		if limit > 0 {
			recs, err := s.src.Recent(ctx, limit)
			if err != nil {
				rep.RecentErr = err.Error()
			}
			rep.Recent = recs
		}
	}
	c.JSON(http.StatusOK, rep)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
