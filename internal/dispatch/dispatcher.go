// Package dispatch runs one job end to end on the managed instance:
// validate the lease, submit, poll until a terminal status, and cancel on
// the instance if the lease expires mid-flight.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpuwarden/internal/comfy"
	"github.com/terrpan/gpuwarden/internal/poll"
	"github.com/terrpan/gpuwarden/internal/store"
)

// Endpointer resolves the base URL of a ready service.
type Endpointer interface {
	Endpoint(ctx context.Context) (string, error)
}

// Service is the job API of the service on the instance.
type Service interface {
	Submit(ctx context.Context, baseURL string, req comfy.SubmitRequest) (*comfy.SubmitResponse, error)
	Status(ctx context.Context, baseURL, promptID string) (*comfy.Status, error)
	Interrupt(ctx context.Context, baseURL, promptID string) error
	Dequeue(ctx context.Context, baseURL, promptID string) error
}

// Job is the job-arrival trigger payload.
type Job struct {
	ID      string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// State is a step of the per-job state machine.
type State int

const (
	StateNotStarted State = iota
	StateLeaseValidated
	StateSubmitted
	StatePolling
	StateCompleted
	StateFailed
	StateAborted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateLeaseValidated:
		return "lease-validated"
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Outcome is a non-error result of Run.
type Outcome int

const (
	// Completed: the service reported success for this job.
	Completed Outcome = iota + 1
	// Aborted: the lease was absent or expired; nothing more will run.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config holds the poll budget.
type Config struct {
	PollInterval  time.Duration
	MaxPolls      int
	SuccessStatus string
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPolls == 0 {
		c.MaxPolls = 60
	}
	if c.SuccessStatus == "" {
		c.SuccessStatus = "success"
	}
}

// Dispatcher runs jobs.  It holds no per-job state; concurrent Run calls
// for different jobs do not share anything but the collaborators.
type Dispatcher struct {
	leases     store.LeaseStore
	lastAccess store.LastAccess
	instance   Endpointer
	service    Service
	clock      poll.Clock
	cfg        Config
	logger     *slog.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// New creates a Dispatcher.  A nil clock means the wall clock.
func New(leases store.LeaseStore, lastAccess store.LastAccess, inst Endpointer, svc Service, cfg Config, clock poll.Clock, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if clock == nil {
		clock = poll.RealClock{}
	}
	d := &Dispatcher{
		leases:     leases,
		lastAccess: lastAccess,
		instance:   inst,
		service:    svc,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.WithGroup("dispatch"),
		tracer:     otel.Tracer("gpuwarden/dispatch"),
	}

	var err error
	d.outcomes, err = otel.Meter("gpuwarden/dispatch").Int64Counter(
		"gpuwarden.jobs.outcomes",
		metric.WithDescription("Total number of dispatched jobs by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create outcomes counter", slog.String("error", err.Error()))
	}
	return d
}

// run is the state of one Run invocation.
type run struct {
	d          *Dispatcher
	job        Job
	logger     *slog.Logger
	state      State
	dispatchID string
	polls      int
}

// Run drives job to a terminal state.  Completed and Aborted return a nil
// error; every other terminal state returns a *JobError.
func (d *Dispatcher) Run(ctx context.Context, job Job) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
	))
	defer span.End()

	r := &run{
		d:      d,
		job:    job,
		logger: d.logger.With(slog.String("job_id", job.ID)),
		state:  StateNotStarted,
	}

	for !r.state.Terminal() {
		next, err := r.step(ctx)
		if err != nil {
			r.state = next
			d.record(ctx, r.state)
			span.SetAttributes(attribute.String("job.state", r.state.String()))
			span.SetStatus(codes.Error, err.Error())
			r.logger.Error("job failed",
				slog.String("state", r.state.String()),
				slog.String("dispatch_id", r.dispatchID),
				slog.String("error", err.Error()),
			)
			return 0, err
		}
		r.logger.Debug("transition",
			slog.String("from", r.state.String()),
			slog.String("to", next.String()),
		)
		r.state = next
	}

	d.record(ctx, r.state)
	span.SetAttributes(
		attribute.String("job.state", r.state.String()),
		attribute.String("job.dispatch_id", r.dispatchID),
	)
	if r.state == StateCompleted {
		return Completed, nil
	}
	return Aborted, nil
}

func (d *Dispatcher) record(ctx context.Context, s State) {
	if d.outcomes != nil {
		d.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", s.String())))
	}
}

// step performs the transition out of the current state.  On error the
// returned state is the terminal state the job ends in.
func (r *run) step(ctx context.Context) (State, error) {
	switch r.state {
	case StateNotStarted:
		return r.validateLease(ctx)
	case StateLeaseValidated:
		return r.submit(ctx)
	case StateSubmitted:
		r.logger.Info("job submitted", slog.String("dispatch_id", r.dispatchID))
		return StatePolling, nil
	case StatePolling:
		return r.poll(ctx)
	default:
		// Terminal states never reach step; anything else is a bug.
		return StateFailed, r.fail(PhasePoll, fmt.Errorf("no transition from %s", r.state))
	}
}

func (r *run) fail(phase Phase, err error) error {
	return &JobError{JobID: r.job.ID, Phase: phase, Err: err}
}

// leaseValid re-reads the lease and applies the validity rule.
func (r *run) leaseValid(ctx context.Context) (bool, error) {
	lease, err := r.d.leases.Get(ctx, r.job.ID)
	if err != nil {
		return false, err
	}
	return lease.Valid(r.d.clock.Now()), nil
}

func (r *run) validateLease(ctx context.Context) (State, error) {
	ok, err := r.leaseValid(ctx)
	if err != nil {
		return StateFailed, r.fail(PhaseLease, err)
	}
	if !ok {
		r.logger.Info("lease absent or expired, skipping job")
		return StateAborted, nil
	}
	return StateLeaseValidated, nil
}

func (r *run) submit(ctx context.Context) (State, error) {
	baseURL, err := r.d.instance.Endpoint(ctx)
	if err != nil {
		return StateFailed, r.fail(PhaseEndpoint, err)
	}

	if err := r.d.lastAccess.Touch(ctx, r.d.clock.Now()); err != nil {
		r.logger.Warn("failed to record last access", slog.String("error", err.Error()))
	}

	resp, err := r.d.service.Submit(ctx, baseURL, comfy.SubmitRequest{
		ClientID: uuid.NewString(),
		Prompt:   r.job.Payload,
	})
	if err != nil {
		return StateFailed, r.fail(PhaseSubmit, err)
	}
	if resp == nil || resp.PromptID == "" {
		return StateFailed, r.fail(PhaseSubmit, ErrSubmissionProtocol)
	}
	r.dispatchID = resp.PromptID
	return StateSubmitted, nil
}

// poll runs one iteration: lease re-check, then status.  Every service
// call resolves the endpoint again, so an instance stopped underneath the
// job surfaces as an endpoint error.
func (r *run) poll(ctx context.Context) (State, error) {
	if r.polls >= r.d.cfg.MaxPolls {
		return StateTimedOut, r.fail(PhasePoll, fmt.Errorf("%w: %d polls, dispatch id %s", ErrPollExhausted, r.polls, r.dispatchID))
	}
	r.polls++

	ok, err := r.leaseValid(ctx)
	if err != nil {
		return StateFailed, r.fail(PhaseLease, err)
	}
	if !ok {
		r.logger.Info("lease expired while running, cancelling", slog.String("dispatch_id", r.dispatchID))
		r.cancel(ctx)
		return StateAborted, nil
	}

	baseURL, err := r.d.instance.Endpoint(ctx)
	if err != nil {
		return StateFailed, r.fail(PhaseEndpoint, err)
	}
	status, err := r.d.service.Status(ctx, baseURL, r.dispatchID)
	if err != nil {
		return StateFailed, r.fail(PhasePoll, err)
	}

	if status != nil {
		if status.StatusStr == r.d.cfg.SuccessStatus {
			r.logger.Info("job completed",
				slog.String("dispatch_id", r.dispatchID),
				slog.Int("polls", r.polls),
			)
			if err := r.d.leases.MarkCompleted(ctx, r.job.ID); err != nil {
				r.logger.Warn("failed to mark lease completed", slog.String("error", err.Error()))
			}
			return StateCompleted, nil
		}
		return StateFailed, r.fail(PhasePoll, fmt.Errorf("%w: status %q, dispatch id %s", ErrJobFailed, status.StatusStr, r.dispatchID))
	}

	if r.polls >= r.d.cfg.MaxPolls {
		return StatePolling, nil
	}
	if err := r.d.clock.Sleep(ctx, r.d.cfg.PollInterval); err != nil {
		return StateFailed, r.fail(PhasePoll, err)
	}
	return StatePolling, nil
}

// cancel interrupts and dequeues the dispatched job concurrently.  Both
// calls are always attempted; failures are logged only.
func (r *run) cancel(ctx context.Context) {
	calls := map[string]func(ctx context.Context, baseURL, id string) error{
		"interrupt": r.d.service.Interrupt,
		"dequeue":   r.d.service.Dequeue,
	}

	var wg sync.WaitGroup
	for name, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			baseURL, err := r.d.instance.Endpoint(ctx)
			if err == nil {
				err = call(ctx, baseURL, r.dispatchID)
			}
			if err != nil {
				r.logger.Warn("cancellation call failed",
					slog.String("call", name),
					slog.String("dispatch_id", r.dispatchID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	wg.Wait()
}
