// Package reaper stops the managed instance once it has been idle longer
// than a threshold.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpuwarden/internal/engine"
	"github.com/terrpan/gpuwarden/internal/poll"
	"github.com/terrpan/gpuwarden/internal/store"
)

var (
	// ErrNotConfigured is returned when the idle threshold is not a
	// positive duration.
	ErrNotConfigured = errors.New("idle threshold not configured")

	// ErrNoState is returned when the instance reports no power state.
	ErrNoState = errors.New("instance reported no state")
)

// Decision is what MaybeStop observed and did.
type Decision struct {
	State      engine.State
	LastAccess time.Time
	Idle       time.Duration
	Stopped    bool
}

// Reaper decides whether to stop the instance.
type Reaper struct {
	engine     engine.Engine
	lastAccess store.LastAccess
	threshold  time.Duration
	clock      poll.Clock
	logger     *slog.Logger

	tracer trace.Tracer
	stops  metric.Int64Counter
}

// New creates a Reaper.  A nil clock means the wall clock.
func New(eng engine.Engine, lastAccess store.LastAccess, threshold time.Duration, clock poll.Clock, logger *slog.Logger) *Reaper {
	if clock == nil {
		clock = poll.RealClock{}
	}
	r := &Reaper{
		engine:     eng,
		lastAccess: lastAccess,
		threshold:  threshold,
		clock:      clock,
		logger:     logger.WithGroup("reaper"),
		tracer:     otel.Tracer("gpuwarden/reaper"),
	}

	var err error
	r.stops, err = otel.Meter("gpuwarden/reaper").Int64Counter(
		"gpuwarden.reaper.stops",
		metric.WithDescription("Total number of idle stops"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create stops counter", slog.String("error", err.Error()))
	}
	return r
}

// MaybeStop stops the instance iff it is running and the time since the
// last access strictly exceeds the threshold.  A missing last-access
// record, a missing instance state or a missing threshold are errors.
func (r *Reaper) MaybeStop(ctx context.Context) (Decision, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.MaybeStop")
	defer span.End()

	d, err := r.maybeStop(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return d, err
	}
	span.SetAttributes(
		attribute.String("instance.state", string(d.State)),
		attribute.Bool("reaper.stopped", d.Stopped),
	)
	return d, nil
}

func (r *Reaper) maybeStop(ctx context.Context) (Decision, error) {
	var d Decision
	if r.threshold <= 0 {
		return d, ErrNotConfigured
	}

	last, err := r.lastAccess.Get(ctx)
	if err != nil {
		return d, fmt.Errorf("read last access: %w", err)
	}
	d.LastAccess = last

	inst, err := r.engine.Describe(ctx)
	if err != nil {
		return d, fmt.Errorf("describe instance: %w", err)
	}
	// Engines map an unset provider state to StateOther, so the raw
	// value is what tells "no state" apart from an unknown one.
	if inst.RawState == "" {
		return d, ErrNoState
	}
	d.State = inst.State

	now := r.clock.Now()
	d.Idle = now.Sub(last)

	if inst.State != engine.StateRunning || d.Idle <= r.threshold {
		r.logger.Info("skipped",
			slog.String("state", string(inst.State)),
			slog.Time("last_access", last),
			slog.Duration("idle", d.Idle),
		)
		return d, nil
	}

	if err := r.engine.Stop(ctx); err != nil {
		return d, fmt.Errorf("stop instance: %w", err)
	}
	d.Stopped = true
	if r.stops != nil {
		r.stops.Add(ctx, 1)
	}
	r.logger.Info("stopped idle instance",
		slog.String("instance", inst.ID),
		slog.Time("last_access", last),
		slog.Duration("idle", d.Idle),
		slog.Time("stopped_at", now),
	)
	return d, nil
}
