// Package instance turns the managed instance, whatever its current power
// state, into a usable service endpoint.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpuwarden/internal/engine"
	"github.com/terrpan/gpuwarden/internal/poll"
)

var (
	// ErrUnknownState is returned when the instance is in a power state
	// the transition table has no entry for.  Operator attention needed.
	ErrUnknownState = errors.New("unknown instance state")

	// ErrPowerTimeout is returned when the instance did not reach the
	// awaited power state in time.  Retrying the invocation is safe.
	ErrPowerTimeout = errors.New("instance power-state wait timed out")

	// ErrServiceNotReady is returned when the service on a running
	// instance never answered the readiness probe.  Retrying is safe.
	ErrServiceNotReady = errors.New("instance service not ready")

	// ErrNoAddress is returned when a running instance reports no address.
	ErrNoAddress = errors.New("running instance has no address")
)

// ReadinessProbe checks whether the service on the instance accepts
// traffic.  A transport error counts as "not ready yet".
type ReadinessProbe interface {
	Ready(ctx context.Context, baseURL string) (bool, error)
}

// Config holds the wait budgets.  Power and readiness waits are
// independent; the worst case for Endpoint is their sum (twice the power
// budget plus readiness when the instance was stopping).
type Config struct {
	Port              int
	PowerPollInterval time.Duration
	PowerTimeout      time.Duration
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8188
	}
	if c.PowerPollInterval == 0 {
		c.PowerPollInterval = 5 * time.Second
	}
	if c.PowerTimeout == 0 {
		c.PowerTimeout = 3 * time.Minute
	}
	if c.ReadyPollInterval == 0 {
		c.ReadyPollInterval = 5 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 2 * time.Minute
	}
}

// Step is one action taken to bring the instance to running.
type Step int

const (
	StepWaitStopped Step = iota
	StepStart
	StepWaitRunning
)

func (s Step) String() string {
	switch s {
	case StepWaitStopped:
		return "wait-stopped"
	case StepStart:
		return "start"
	case StepWaitRunning:
		return "wait-running"
	default:
		return "step(" + strconv.Itoa(int(s)) + ")"
	}
}

// Plan returns the steps that take an instance observed in state to
// running.  An empty plan means it is already running.
func Plan(state engine.State) ([]Step, error) {
	switch state {
	case engine.StateRunning:
		return nil, nil
	case engine.StatePending:
		return []Step{StepWaitRunning}, nil
	case engine.StateStopped:
		return []Step{StepStart, StepWaitRunning}, nil
	case engine.StateStopping:
		return []Step{StepWaitStopped, StepStart, StepWaitRunning}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
}

// Access composes the power controller and the readiness probe.
type Access struct {
	engine engine.Engine
	probe  ReadinessProbe
	clock  poll.Clock
	cfg    Config
	logger *slog.Logger

	tracer        trace.Tracer
	starts        metric.Int64Counter
	readyDuration metric.Float64Histogram
}

// New creates an Access.  A nil clock means the wall clock.
func New(eng engine.Engine, probe ReadinessProbe, cfg Config, clock poll.Clock, logger *slog.Logger) *Access {
	cfg.applyDefaults()
	if clock == nil {
		clock = poll.RealClock{}
	}

	a := &Access{
		engine: eng,
		probe:  probe,
		clock:  clock,
		cfg:    cfg,
		logger: logger.WithGroup("instance"),
		tracer: otel.Tracer("gpuwarden/instance"),
	}

	meter := otel.Meter("gpuwarden/instance")
	var err error
	a.starts, err = meter.Int64Counter(
		"gpuwarden.instance.starts",
		metric.WithDescription("Total number of instance start requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create starts counter", slog.String("error", err.Error()))
	}
	a.readyDuration, err = meter.Float64Histogram(
		"gpuwarden.instance.ready.duration",
		metric.WithDescription("Time from first describe to a ready service (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 10, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create ready duration histogram", slog.String("error", err.Error()))
	}
	return a
}

// Endpoint returns the base URL of a ready service, starting the
// instance first if needed.  On a running, ready instance it only
// describes and probes.
func (a *Access) Endpoint(ctx context.Context) (string, error) {
	ctx, span := a.tracer.Start(ctx, "instance.Endpoint")
	defer span.End()

	began := a.clock.Now()

	inst, err := a.engine.Describe(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("describe instance: %w", err)
	}
	span.SetAttributes(
		attribute.String("instance.id", inst.ID),
		attribute.String("instance.state", string(inst.State)),
	)

	steps, err := Plan(inst.State)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if len(steps) > 0 {
		a.logger.Info("bringing instance up",
			slog.String("instance", inst.ID),
			slog.String("state", string(inst.State)),
			slog.String("raw_state", inst.RawState),
		)
	}
	for _, step := range steps {
		if inst, err = a.run(ctx, step, inst); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
	}

	if inst.Address == "" {
		return "", fmt.Errorf("instance %s: %w", inst.ID, ErrNoAddress)
	}
	baseURL := "http://" + net.JoinHostPort(inst.Address, strconv.Itoa(a.cfg.Port))

	if err := a.waitReady(ctx, baseURL); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if len(steps) > 0 && a.readyDuration != nil {
		a.readyDuration.Record(ctx, a.clock.Now().Sub(began).Seconds())
	}
	return baseURL, nil
}

func (a *Access) run(ctx context.Context, step Step, inst *engine.Instance) (*engine.Instance, error) {
	switch step {
	case StepStart:
		if a.starts != nil {
			a.starts.Add(ctx, 1)
		}
		if err := a.engine.Start(ctx); err != nil {
			return nil, fmt.Errorf("start instance: %w", err)
		}
		return inst, nil
	case StepWaitStopped:
		return a.waitFor(ctx, engine.StateStopped)
	case StepWaitRunning:
		return a.waitFor(ctx, engine.StateRunning)
	default:
		return nil, fmt.Errorf("unhandled step %s", step)
	}
}

// waitFor describes the instance every power interval until it reports
// target.
func (a *Access) waitFor(ctx context.Context, target engine.State) (*engine.Instance, error) {
	var last *engine.Instance
	err := poll.Until(ctx, a.clock, a.cfg.PowerPollInterval, a.cfg.PowerTimeout, func(ctx context.Context) (bool, error) {
		inst, err := a.engine.Describe(ctx)
		if err != nil {
			return false, fmt.Errorf("describe instance: %w", err)
		}
		last = inst
		a.logger.Debug("waiting for power state",
			slog.String("want", string(target)),
			slog.String("state", string(inst.State)),
		)
		return inst.State == target, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		seen := "none"
		if last != nil {
			seen = string(last.State)
		}
		return nil, fmt.Errorf("%w: want %s, last seen %s after %s", ErrPowerTimeout, target, seen, a.cfg.PowerTimeout)
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (a *Access) waitReady(ctx context.Context, baseURL string) error {
	err := poll.Until(ctx, a.clock, a.cfg.ReadyPollInterval, a.cfg.ReadyTimeout, func(ctx context.Context) (bool, error) {
		ready, err := a.probe.Ready(ctx, baseURL)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			a.logger.Debug("readiness probe failed",
				slog.String("endpoint", baseURL),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		return ready, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%w: %s after %s", ErrServiceNotReady, baseURL, a.cfg.ReadyTimeout)
	}
	return err
}
