package lock

import (
	"context"
	"errors"
	"time"
)

// Type distinguishes independent global locks. Holding one type says nothing
// about any other.
type Type string

const (
	// TypeAlertScheduling serializes the alert scheduling coordinator.
	TypeAlertScheduling Type = "ALERT_SCHEDULING"
	// TypeCollectionScheduling serializes the metric collection coordinator.
	TypeCollectionScheduling Type = "COLLECTION_SCHEDULING"
)

var (
	// ErrLockHeld is returned by Obtain while another holder's lease is live.
	ErrLockHeld = errors.New("lock is held by another instance")
	// ErrNotHolder is returned by Refresh and Release when the caller's token
	// does not match the current holder.
	ErrNotHolder = errors.New("lock is not held by this token")
)

// Service is a lease-based global lock. Obtain hands out an opaque token that
// proves holdership; Refresh rotates it while extending the lease. A holder
// that crashes simply stops refreshing, and the lease expiry hands the lock to
// the next Obtain.
type Service interface {
	Obtain(ctx context.Context, lockType Type, lease time.Duration, note string) (string, error)
	Refresh(ctx context.Context, lockType Type, token string, lease time.Duration) (string, error)
	Release(ctx context.Context, lockType Type, token string) error
}
