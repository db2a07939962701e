package sessions

import (
	"context"
	"time"
)

// Store persists sessions. Implementations must make Replace atomic and
// MarkExpired conditional on expired_at still being unset.
type Store interface {
	ByMAC(ctx context.Context, mac string) (Session, error)
	ByToken(ctx context.Context, token string) (Session, error)
	// ActiveByIP returns a session at ip with remaining time, paused or not.
	ActiveByIP(ctx context.Context, ip string) (Session, error)
	Create(ctx context.Context, s Session) error
	Save(ctx context.Context, s Session) error
	// Replace deletes the rows keyed by remove and writes merged in one transaction.
	Replace(ctx context.Context, merged Session, remove []string) error
	// Decrement takes one second off every running session and returns how many it touched.
	Decrement(ctx context.Context) (int64, error)
	// PendingExpiry lists sessions out of time that have not been stamped yet.
	PendingExpiry(ctx context.Context) ([]Session, error)
	MarkExpired(ctx context.Context, mac string, at time.Time) (bool, error)
	// Active lists sessions with remaining time.
	Active(ctx context.Context) ([]Session, error)
	List(ctx context.Context) ([]Session, error)
}
