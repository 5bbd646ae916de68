// Package gcp implements the engine.Engine interface on top of a single,
// pre-existing Google Cloud Compute Engine VM.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/google/uuid"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/gpuwarden/internal/engine"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the zone the instance lives in (required).
	Zone string

	// Instance is the name of the managed VM (required).
	Instance string

	// DiscardLocalSSD drops local SSD contents on stop.  GPU images
	// usually keep models on the boot disk, so the default is false.
	DiscardLocalSSD bool
}

// operationWaiter is the subset of *compute.Operation the engine uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the engine uses.
type instancesAPI interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	return r.c.Start(ctx, req)
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return r.c.Stop(ctx, req)
}

func (r restInstances) Close() error { return r.c.Close() }

// Engine controls the power state of one Compute Engine VM.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("instance", cfg.Instance),
	)

	return newEngine(restInstances{c: client}, cfg, logger), nil
}

func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("gpuwarden/engine/gcp"),
	}
}

// Describe fetches the VM and maps its status onto engine.State.
func (e *Engine) Describe(ctx context.Context) (*engine.Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Describe")
	defer span.End()

	inst, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: e.cfg.Instance,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("describe %s: %w", e.cfg.Instance, engine.ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("describe %s: %w", e.cfg.Instance, err)
	}

	out := &engine.Instance{
		ID:       e.cfg.Instance,
		RawState: inst.GetStatus(),
		State:    mapStatus(inst.GetStatus()),
	}
	if nics := inst.GetNetworkInterfaces(); len(nics) > 0 {
		out.Address = nics[0].GetNetworkIP()
	}

	span.SetAttributes(
		attribute.String("gcp.instance_name", e.cfg.Instance),
		attribute.String("gcp.status", out.RawState),
	)
	return out, nil
}

// Start issues instances.start and waits for the operation to be done.
func (e *Engine) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Start")
	defer span.End()

	e.logger.Info("starting instance", slog.String("instance", e.cfg.Instance))

	op, err := e.client.Start(ctx, &computepb.StartInstanceRequest{
		Project:   e.cfg.Project,
		Zone:      e.cfg.Zone,
		Instance:  e.cfg.Instance,
		RequestId: proto.String(uuid.NewString()),
	})
	if err != nil {
		return fmt.Errorf("start instance %s: %w", e.cfg.Instance, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for start of %s: %w", e.cfg.Instance, err)
	}
	return nil
}

// Stop issues instances.stop and waits for the operation to be done.
func (e *Engine) Stop(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Stop")
	defer span.End()

	e.logger.Info("stopping instance", slog.String("instance", e.cfg.Instance))

	op, err := e.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:         e.cfg.Project,
		Zone:            e.cfg.Zone,
		Instance:        e.cfg.Instance,
		RequestId:       proto.String(uuid.NewString()),
		DiscardLocalSsd: proto.Bool(e.cfg.DiscardLocalSSD),
	})
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", e.cfg.Instance, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for stop of %s: %w", e.cfg.Instance, err)
	}
	return nil
}

// Close closes the API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// mapStatus translates a Compute Engine instance status.
func mapStatus(status string) engine.State {
	switch status {
	case "PROVISIONING", "STAGING":
		return engine.StatePending
	case "RUNNING":
		return engine.StateRunning
	case "STOPPING", "SUSPENDING":
		return engine.StateStopping
	case "TERMINATED", "STOPPED":
		return engine.StateStopped
	default:
		return engine.StateOther
	}
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return true
	}
	// Errors that crossed a gRPC or retry layer keep only their text.
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
