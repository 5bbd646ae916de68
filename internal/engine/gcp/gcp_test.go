package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/gpuwarden/internal/engine"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	getCalls   []*computepb.GetInstanceRequest
	startCalls []*computepb.StartInstanceRequest
	stopCalls  []*computepb.StopInstanceRequest
	closed     bool

	instance *computepb.Instance
	getErr   error
	startErr error
	startOp  operationWaiter
	stopErr  error
	stopOp   operationWaiter
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		startOp: &mockOperation{},
		stopOp:  &mockOperation{},
	}
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.instance, nil
}

func (m *mockInstancesClient) Start(_ context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls = append(m.startCalls, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.startOp, nil
}

func (m *mockInstancesClient) Stop(_ context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls = append(m.stopCalls, req)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return m.stopOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	logger *slog.Logger
	cfg    Config
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:  "test-project",
		Zone:     "us-central1-a",
		Instance: "comfy-gpu",
	}
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.cfg, s.logger)
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

// ---------------------------------------------------------------------------
// Describe tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestDescribe_Running() {
	s.client.instance = &computepb.Instance{
		Status: proto.String("RUNNING"),
		NetworkInterfaces: []*computepb.NetworkInterface{
			{NetworkIP: proto.String("10.0.0.7")},
		},
	}
	e := s.newEngine()

	inst, err := e.Describe(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), engine.StateRunning, inst.State)
	assert.Equal(s.T(), "RUNNING", inst.RawState)
	assert.Equal(s.T(), "10.0.0.7", inst.Address)
	assert.Equal(s.T(), "comfy-gpu", inst.ID)

	require.Len(s.T(), s.client.getCalls, 1)
	req := s.client.getCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "comfy-gpu", req.GetInstance())
}

func (s *GCPEngineSuite) TestDescribe_NoNetworkInterface() {
	s.client.instance = &computepb.Instance{Status: proto.String("TERMINATED")}
	e := s.newEngine()

	inst, err := e.Describe(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), engine.StateStopped, inst.State)
	assert.Empty(s.T(), inst.Address)
}

func (s *GCPEngineSuite) TestDescribe_NotFound() {
	s.client.getErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	e := s.newEngine()

	_, err := e.Describe(s.ctx)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, engine.ErrInstanceNotFound))
}

func (s *GCPEngineSuite) TestDescribe_OtherError() {
	s.client.getErr = fmt.Errorf("googleapi: Error 429: rate limit exceeded")
	e := s.newEngine()

	_, err := e.Describe(s.ctx)
	require.Error(s.T(), err)
	assert.False(s.T(), errors.Is(err, engine.ErrInstanceNotFound))
	assert.Contains(s.T(), err.Error(), "rate limit exceeded")
}

// ---------------------------------------------------------------------------
// Start / Stop tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestStart_Success() {
	e := s.newEngine()

	require.NoError(s.T(), e.Start(s.ctx))
	require.Len(s.T(), s.client.startCalls, 1)
	req := s.client.startCalls[0]
	assert.Equal(s.T(), "comfy-gpu", req.GetInstance())
	assert.NotEmpty(s.T(), req.GetRequestId(), "start should carry an idempotency request id")
}

func (s *GCPEngineSuite) TestStart_OperationWaitError() {
	s.client.startOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()

	err := e.Start(s.ctx)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
}

func (s *GCPEngineSuite) TestStop_Success() {
	s.cfg.DiscardLocalSSD = true
	e := s.newEngine()

	require.NoError(s.T(), e.Stop(s.ctx))
	require.Len(s.T(), s.client.stopCalls, 1)
	req := s.client.stopCalls[0]
	assert.Equal(s.T(), "comfy-gpu", req.GetInstance())
	assert.True(s.T(), req.GetDiscardLocalSsd())
}

func (s *GCPEngineSuite) TestStop_Error() {
	s.client.stopErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	e := s.newEngine()

	err := e.Stop(s.ctx)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

func (s *GCPEngineSuite) TestClose() {
	e := s.newEngine()
	require.NoError(s.T(), e.Close())
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestMapStatus() {
	cases := map[string]engine.State{
		"PROVISIONING": engine.StatePending,
		"STAGING":      engine.StatePending,
		"RUNNING":      engine.StateRunning,
		"STOPPING":     engine.StateStopping,
		"SUSPENDING":   engine.StateStopping,
		"TERMINATED":   engine.StateStopped,
		"STOPPED":      engine.StateStopped,
		"SUSPENDED":    engine.StateOther,
		"REPAIRING":    engine.StateOther,
		"":             engine.StateOther,
	}
	for status, want := range cases {
		assert.Equal(s.T(), want, mapStatus(status), status)
	}
}

func (s *GCPEngineSuite) TestIsNotFound() {
	assert.False(s.T(), isNotFound(nil))
	assert.True(s.T(), isNotFound(&googleapi.Error{Code: 404}))
	assert.True(s.T(), isNotFound(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 404})))
	assert.True(s.T(), isNotFound(fmt.Errorf("rpc error: code = NotFound desc = instance not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("some error with notFound in the message")))
	assert.False(s.T(), isNotFound(&googleapi.Error{Code: 403}))
	assert.False(s.T(), isNotFound(fmt.Errorf("Error 500: internal server error")))
}
