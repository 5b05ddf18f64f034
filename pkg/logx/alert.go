package logx

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"remindbot/internal/transport"
)

const (
	alertMaxLen   = 3500
	alertFieldLen = 600
	alertSendWait = 10 * time.Second
)

type alertItem struct {
	to  transport.ChatTarget
	msg string
}

// alertWriter is a zerolog.LevelWriter. It filters by level and rate, then
// queues without blocking.
type alertWriter struct{ svc *Service }

var _ zerolog.LevelWriter = (*alertWriter)(nil)

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	to := transport.ChatTarget{ChatID: s.cfg.Alerts.ChatID, ThreadID: s.cfg.Alerts.ThreadID}
	lim, minLevel, sender := s.limiter, s.minLevel, s.sender
	s.mu.Unlock()

	if to.ChatID == 0 || sender == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.alertQ <- alertItem{to: to, msg: msg}:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.alertQ:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, alertSendWait)
			// Send errors are not logged: logging them would feed this sink again.
			_, _ = sender.SendText(sendCtx, it.to, it.msg, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

// formatAlert renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field, keys sorted, stack last.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := jsoniter.ConfigFastest.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "stack":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), alertFieldLen))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), 900))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
