// Package store defines the durable records the dispatcher and the reaper
// coordinate through: per-job leases and the single last-access timestamp.
//
// There are no in-process locks between invocations.  Lease flags are
// monotonic and every backend writes them idempotently; the last-access
// record is last-writer-wins and must be read with the backend's
// strongest consistency.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoLastAccess is returned when the last-access record does not exist.
var ErrNoLastAccess = errors.New("last access record not found")

// Lease says whether a job is still worth running.
type Lease struct {
	JobID           string
	Deadline        time.Time
	Completed       bool
	Failed          bool
	TokensRecovered bool
}

// Valid reports whether the lease still permits running the job at now.
// A nil lease is never valid.  The deadline itself is still valid.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && !now.After(l.Deadline)
}

// LeaseStore is the job bookkeeping table.  Leases are created outside
// the dispatcher; the Mark methods never resurrect a deleted one, except
// on DynamoDB where an update is an upsert.
type LeaseStore interface {
	// Get returns the lease, or nil with no error when it does not exist.
	Get(ctx context.Context, jobID string) (*Lease, error)
	// Put creates or replaces a lease.
	Put(ctx context.Context, lease Lease) error
	// MarkCompleted sets the completion flag.  Idempotent.
	MarkCompleted(ctx context.Context, jobID string) error
	// MarkFailed sets the failure flag.  Idempotent.
	MarkFailed(ctx context.Context, jobID string) error
	// MarkTokensRecovered sets the recovery flag only if it is not set
	// yet.  It reports whether this call set it.
	MarkTokensRecovered(ctx context.Context, jobID string) (bool, error)
}

// LastAccess is the single-row timestamp of the last instance use.
type LastAccess interface {
	// Get returns the timestamp using a strongly consistent read, or
	// ErrNoLastAccess.
	Get(ctx context.Context) (time.Time, error)
	// Touch sets the timestamp.
	Touch(ctx context.Context, at time.Time) error
}
