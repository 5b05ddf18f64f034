package contact

import (
	"context"
	"fmt"
	"strings"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// UserSource is the read-only user directory.
type UserSource interface {
	GetUser(ctx context.Context, userID string) (reminder.User, bool, error)
}

type Resolver struct {
	users UserSource
	log   logx.Logger
}

func NewResolver(users UserSource, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{users: users, log: log}
}

// ResolveAddress returns the raw delivery address registered for userID.
//
// A missing user or a blank address is reported as ok=false with a nil error;
// only lookup failures return an error.
func (r *Resolver) ResolveAddress(ctx context.Context, userID string) (string, bool, error) {
	u, found, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if !found {
		r.log.Debug("user not found", logx.String("user", userID))
		return "", false, nil
	}
	addr := strings.TrimSpace(u.Address)
	if addr == "" {
		return "", false, nil
	}
	return addr, true, nil
}
