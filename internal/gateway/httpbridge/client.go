package httpbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"remindbot/internal/gateway"
	logx "remindbot/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures the bridge client.
type Config struct {
	BaseURL      string
	Token        string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// Client talks to a messaging bridge over HTTP:
//
//	GET  /state                       -> {"state": "CONNECTED"}
//	GET  /contacts/{addr}/registered -> {"registered": true}
//	POST /messages {"to": ..., "text": ...}
//
// State is served from the last poll so callers never block on it.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	tracker *gateway.StateTracker
	log     logx.Logger
}

// StatusError is a non-2xx bridge response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge status=%d body=%s", e.Code, e.Body)
}

func New(cfg Config, tracker *gateway.StateTracker, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("bridge base url is empty")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("bridge base url: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 20 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if tracker == nil {
		tracker = gateway.NewStateTracker(nil, log)
	}
	return &Client{
		cfg:     cfg,
		base:    u,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		tracker: tracker,
		log:     log,
	}, nil
}

func (c *Client) State(context.Context) gateway.State { return c.tracker.Get() }

func (c *Client) IsReachable(ctx context.Context, address string) (bool, error) {
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := c.do(ctx, http.MethodGet, "/contacts/"+url.PathEscape(address)+"/registered", nil, &out); err != nil {
		return false, err
	}
	return out.Registered, nil
}

func (c *Client) Send(ctx context.Context, address, text string) error {
	body := struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}{To: address, Text: text}
	return c.do(ctx, http.MethodPost, "/messages", body, nil)
}

// Poll fetches the bridge state once and records it.
func (c *Client) Poll(ctx context.Context) (gateway.State, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/state", nil, &out); err != nil {
		c.tracker.Set(gateway.StateNotConnected)
		return gateway.StateNotConnected, err
	}
	st := gateway.ParseState(out.State)
	c.tracker.Set(st)
	return st, nil
}

// Run polls the bridge state until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.Debug("bridge state poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(c.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
