package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/contact"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const defaultSendTimeout = 15 * time.Second

// Deliverer sends a text to a user's raw phone number, trying every candidate
// gateway address in order until one is reachable and accepts the message.
type Deliverer struct {
	gw      Gateway
	opt     contact.CandidateOptions
	timeout time.Duration
	log     logx.Logger
}

func NewDeliverer(gw Gateway, opt contact.CandidateOptions, timeout time.Duration, log logx.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{gw: gw, opt: opt, timeout: timeout, log: log}
}

// Deliver returns the address that accepted the message.
//
// Errors:
//   - reminder.ErrGatewayDisconnected: gateway is not connected; nothing was attempted.
//   - reminder.ErrDeliveryUnreachable: no candidate is registered with the gateway.
//   - reminder.ErrTransientSendFailure: a candidate was reachable (or a check failed) but no send succeeded.
func (d *Deliverer) Deliver(ctx context.Context, rawAddress, text string) (string, error) {
	if st := d.gw.State(ctx); st != StateConnected {
		return "", fmt.Errorf("%w: state=%s", reminder.ErrGatewayDisconnected, st)
	}

	cands := contact.Candidates(rawAddress, d.opt)
	if len(cands) == 0 {
		return "", fmt.Errorf("%w: unrecognized number", reminder.ErrDeliveryUnreachable)
	}

	var failures []error
	for _, addr := range cands {
		ok, err := d.reachable(ctx, addr)
		if err != nil {
			d.log.Debug("reachability check failed", logx.String("addr", addr), logx.Err(err))
			failures = append(failures, fmt.Errorf("check %s: %w", addr, err))
			continue
		}
		if !ok {
			continue
		}
		if err := d.send(ctx, addr, text); err != nil {
			d.log.Warn("send failed", logx.String("addr", addr), logx.Err(err))
			failures = append(failures, fmt.Errorf("send %s: %w", addr, err))
			continue
		}
		return addr, nil
	}

	if len(failures) > 0 {
		return "", fmt.Errorf("%w: %w", reminder.ErrTransientSendFailure, errors.Join(failures...))
	}
	return "", fmt.Errorf("%w: tried %d candidates", reminder.ErrDeliveryUnreachable, len(cands))
}

func (d *Deliverer) reachable(ctx context.Context, addr string) (bool, error) {
	c, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.gw.IsReachable(c, addr)
}

func (d *Deliverer) send(ctx context.Context, addr, text string) error {
	c, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.gw.Send(c, addr, text)
}

// State exposes the underlying gateway state.
func (d *Deliverer) State(ctx context.Context) State { return d.gw.State(ctx) }
