// Package engine defines the power-control abstraction for the single
// compute instance that hosts the job-processing service. Each backend
// (GCP Compute Engine, EC2, Docker) implements the Engine interface so
// the rest of the system remains provider-agnostic.
package engine

import (
	"context"
	"errors"
)

// State is the normalized power state of the managed instance.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	// StateOther covers every provider state the core does not act on
	// (terminated, suspended, repairing, ...).
	StateOther State = "other"
)

// ErrInstanceNotFound is returned by Describe when the managed instance
// does not exist.  No retry helps.
var ErrInstanceNotFound = errors.New("instance not found")

// Instance is a point-in-time snapshot of the managed instance.
type Instance struct {
	ID string

	State State

	// RawState is the provider's own state name, kept for logging.
	RawState string

	// Address is the private network address.  Only meaningful while
	// State == StateRunning.
	Address string
}

// Engine is the contract every compute backend must satisfy.
//
// The managed instance is long-lived: it is started and stopped, never
// created or destroyed by this system.  The lifecycle is:
//
//	stopped → (Start) → pending → running → (Stop) → stopping → stopped
type Engine interface {
	// Describe returns the current power state of the instance.  It
	// returns ErrInstanceNotFound (wrapped) if the instance is absent.
	Describe(ctx context.Context) (*Instance, error)

	// Start requests a transition toward running.  Callers must not
	// call it on an instance that is already running.
	Start(ctx context.Context) error

	// Stop requests a transition toward stopped.  Callers must guard
	// against calling it twice.
	Stop(ctx context.Context) error

	// Close releases the backend's API clients.
	Close() error
}
