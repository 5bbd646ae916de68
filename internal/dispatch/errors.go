package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/terrpan/gpuwarden/internal/comfy"
	"github.com/terrpan/gpuwarden/internal/engine"
	"github.com/terrpan/gpuwarden/internal/instance"
)

var (
	// ErrSubmissionProtocol means the service accepted a submission
	// without returning a dispatch identifier.
	ErrSubmissionProtocol = errors.New("submission response has no dispatch id")

	// ErrJobFailed means the service reported a terminal status other
	// than success.
	ErrJobFailed = errors.New("job failed on instance")

	// ErrPollExhausted means no terminal status was seen within the poll
	// budget.  The job may still be running on the instance.
	ErrPollExhausted = errors.New("poll budget exhausted without terminal status")
)

// Phase names the dispatcher step an error came from.
type Phase string

const (
	PhaseLease    Phase = "lease"
	PhaseEndpoint Phase = "endpoint"
	PhaseSubmit   Phase = "submit"
	PhasePoll     Phase = "poll"
)

// JobError carries the job and the phase a dispatch failed in.
type JobError struct {
	JobID string
	Phase Phase
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Phase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Retryable reports whether the whole invocation may be retried.  Waiting
// out a power transition, a booting service, throttling and transport or
// store failures are retryable.  A missing instance, an unknown power
// state, a protocol violation, a failed job and an exhausted poll budget
// are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, engine.ErrInstanceNotFound),
		errors.Is(err, instance.ErrUnknownState),
		errors.Is(err, instance.ErrNoAddress),
		errors.Is(err, ErrSubmissionProtocol),
		errors.Is(err, ErrJobFailed),
		errors.Is(err, ErrPollExhausted):
		return false
	}

	var apiErr *comfy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
