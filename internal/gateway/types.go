package gateway

import (
	"context"
	"strings"
	"time"
)

// State is the connection state of the messaging gateway.
type State string

const (
	StateConnected    State = "connected"
	StateNotConnected State = "not_connected"
	StateReconnecting State = "reconnecting"
)

// ParseState maps bridge-reported states onto State. Unknown values are not connected.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "connected", "ready", "open":
		return StateConnected
	case "reconnecting", "connecting", "opening", "pairing":
		return StateReconnecting
	default:
		return StateNotConnected
	}
}

// Gateway is the external messaging transport.
//
// Implementations must honor ctx deadlines on every call.
type Gateway interface {
	State(ctx context.Context) State
	IsReachable(ctx context.Context, address string) (bool, error)
	Send(ctx context.Context, address, text string) error
}

// EventState is the event bus type for state transitions.
const EventState = "gateway.state"

// StateChange is published on the event bus whenever the gateway state changes.
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
