// Package ec2 implements the engine.Engine interface on top of a single,
// pre-existing AWS EC2 instance.
//
// Credentials and region come from the default AWS configuration chain
// (environment, shared config, instance role).
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/gpuwarden/internal/engine"
)

// Config holds EC2-specific engine settings.
type Config struct {
	// Region overrides the region from the default config chain.
	Region string

	// InstanceID is the managed instance, e.g. "i-0123456789abcdef0" (required).
	InstanceID string
}

// ec2API is the subset of *awsec2.Client the engine uses.
type ec2API interface {
	DescribeInstances(ctx context.Context, in *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *awsec2.StartInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *awsec2.StopInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.StopInstancesOutput, error)
}

// Engine controls the power state of one EC2 instance.
type Engine struct {
	client ec2API
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine from the default AWS configuration chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("instance", cfg.InstanceID),
	)

	return newEngine(awsec2.NewFromConfig(awsCfg), cfg, logger), nil
}

func newEngine(client ec2API, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("gpuwarden/engine/ec2"),
	}
}

// Describe calls DescribeInstances for the managed instance.
func (e *Engine) Describe(ctx context.Context) (*engine.Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Describe")
	defer span.End()

	out, err := e.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		InstanceIds: []string{e.cfg.InstanceID},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("describe %s: %w", e.cfg.InstanceID, engine.ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("describe %s: %w", e.cfg.InstanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("describe %s: %w", e.cfg.InstanceID, engine.ErrInstanceNotFound)
	}

	inst := out.Reservations[0].Instances[0]
	res := &engine.Instance{
		ID:      e.cfg.InstanceID,
		State:   engine.StateOther,
		Address: aws.ToString(inst.PrivateIpAddress),
	}
	if inst.State != nil {
		res.RawState = string(inst.State.Name)
		res.State = mapState(inst.State.Name)
	}

	span.SetAttributes(
		attribute.String("ec2.instance_id", e.cfg.InstanceID),
		attribute.String("ec2.state", res.RawState),
	)
	return res, nil
}

// Start calls StartInstances.
func (e *Engine) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Start")
	defer span.End()

	e.logger.Info("starting instance", slog.String("instance", e.cfg.InstanceID))
	if _, err := e.client.StartInstances(ctx, &awsec2.StartInstancesInput{
		InstanceIds: []string{e.cfg.InstanceID},
	}); err != nil {
		return fmt.Errorf("start instance %s: %w", e.cfg.InstanceID, err)
	}
	return nil
}

// Stop calls StopInstances.
func (e *Engine) Stop(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Stop")
	defer span.End()

	e.logger.Info("stopping instance", slog.String("instance", e.cfg.InstanceID))
	if _, err := e.client.StopInstances(ctx, &awsec2.StopInstancesInput{
		InstanceIds: []string{e.cfg.InstanceID},
	}); err != nil {
		return fmt.Errorf("stop instance %s: %w", e.cfg.InstanceID, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (e *Engine) Close() error { return nil }

func mapState(name types.InstanceStateName) engine.State {
	switch name {
	case types.InstanceStateNamePending:
		return engine.StatePending
	case types.InstanceStateNameRunning:
		return engine.StateRunning
	case types.InstanceStateNameStopping:
		return engine.StateStopping
	case types.InstanceStateNameStopped:
		return engine.StateStopped
	default:
		return engine.StateOther
	}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}
