// Package keepawake holds an OS sleep inhibitor on the relay host while
// peers are connected.
//
// A Manager reconciles a desired on/off value against an inhibitor
// process. A Guard drives the Manager from relay connection counts.
package keepawake

import (
	"context"
	"time"
)

// State is the inhibitor state on the relay host.
type State string

const (
	StateOff      State = "OFF"
	StatePending  State = "PENDING"
	StateOn       State = "ON"
	StateDegraded State = "DEGRADED"
)

// DegradedReason says why the inhibitor could not be held.
type DegradedReason string

const (
	// DegradedReasonUnsupported means no inhibitor command exists here.
	DegradedReasonUnsupported DegradedReason = "unsupported"
	// DegradedReasonAcquireFailed means the inhibitor did not start.
	DegradedReasonAcquireFailed DegradedReason = "acquire_failed"
	// DegradedReasonLost means the inhibitor exited while still wanted.
	DegradedReasonLost DegradedReason = "lost"
)

// Status is a snapshot of the manager.
type Status struct {
	State     State
	Desired   bool
	Reason    DegradedReason // set when State is DEGRADED
	LastError string
	UpdatedAt time.Time
	Revision  int64
}

// Handle is a running inhibitor.
type Handle interface {
	// Done is closed when the inhibitor exits.
	Done() <-chan struct{}
	// Err returns the exit error after Done closes.
	Err() error
	Release(ctx context.Context) error
}

// Adapter starts inhibitors.
type Adapter interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Options configures a Manager.
type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
}
