package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/gpuwarden/internal/engine"
	"github.com/terrpan/gpuwarden/internal/poll"
	"github.com/terrpan/gpuwarden/internal/store"
	"github.com/terrpan/gpuwarden/internal/store/memory"
)

type fakeEngine struct {
	mu       sync.Mutex
	inst     *engine.Instance
	descErr  error
	stopErr  error
	stops    int
	describe int
}

func (f *fakeEngine) Describe(_ context.Context) (*engine.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describe++
	if f.descErr != nil {
		return nil, f.descErr
	}
	inst := *f.inst
	return &inst, nil
}

func (f *fakeEngine) Start(_ context.Context) error { return nil }

func (f *fakeEngine) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeEngine) Close() error { return nil }

type ReaperSuite struct {
	suite.Suite
	ctx        context.Context
	now        time.Time
	clock      *poll.FakeClock
	engine     *fakeEngine
	lastAccess store.LastAccess
}

func (s *ReaperSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.clock = poll.NewFakeClock(s.now)
	s.engine = &fakeEngine{inst: &engine.Instance{ID: "i-1", State: engine.StateRunning, RawState: "running"}}
	s.lastAccess = memory.New(0).LastAccess()
}

func (s *ReaperSuite) reaper(threshold time.Duration) *Reaper {
	return New(s.engine, s.lastAccess, threshold, s.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *ReaperSuite) lastAccessAgo(d time.Duration) {
	require.NoError(s.T(), s.lastAccess.Touch(s.ctx, s.now.Add(-d)))
}

func TestReaperSuite(t *testing.T) {
	suite.Run(t, new(ReaperSuite))
}

func (s *ReaperSuite) TestRunningAndIdleStopsOnce() {
	s.lastAccessAgo(15 * time.Minute)

	d, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), d.Stopped)
	assert.Equal(s.T(), 15*time.Minute, d.Idle)
	assert.Equal(s.T(), 1, s.engine.stops)
}

func (s *ReaperSuite) TestStoppedIsNoop() {
	s.engine.inst = &engine.Instance{ID: "i-1", State: engine.StateStopped, RawState: "stopped"}
	s.lastAccessAgo(15 * time.Minute)

	d, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.NoError(s.T(), err)
	assert.False(s.T(), d.Stopped)
	assert.Zero(s.T(), s.engine.stops)
}

func (s *ReaperSuite) TestOnlyExactlyRunningIsStopped() {
	s.lastAccessAgo(time.Hour)
	for _, st := range []engine.State{engine.StatePending, engine.StateStopping, engine.StateOther} {
		s.engine.inst = &engine.Instance{ID: "i-1", State: st, RawState: string(st)}

		d, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
		require.NoError(s.T(), err, st)
		assert.False(s.T(), d.Stopped, st)
	}
	assert.Zero(s.T(), s.engine.stops)
}

func (s *ReaperSuite) TestBoundaryDoesNotStop() {
	s.lastAccessAgo(10 * time.Minute)

	d, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.NoError(s.T(), err)
	assert.False(s.T(), d.Stopped, "elapsed == threshold is not idle")

	s.clock.Advance(time.Nanosecond)
	d, err = s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), d.Stopped)
}

func (s *ReaperSuite) TestRecentAccessIsNoop() {
	s.lastAccessAgo(time.Minute)

	d, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.NoError(s.T(), err)
	assert.False(s.T(), d.Stopped)
}

func (s *ReaperSuite) TestMissingLastAccessIsFatal() {
	_, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	assert.ErrorIs(s.T(), err, store.ErrNoLastAccess)
	assert.Zero(s.T(), s.engine.stops)
}

func (s *ReaperSuite) TestUnsetThresholdIsFatal() {
	s.lastAccessAgo(time.Hour)

	_, err := s.reaper(0).MaybeStop(s.ctx)
	assert.ErrorIs(s.T(), err, ErrNotConfigured)
	assert.Zero(s.T(), s.engine.describe)
}

func (s *ReaperSuite) TestMissingStateIsFatal() {
	s.lastAccessAgo(time.Hour)
	for _, inst := range []*engine.Instance{
		{ID: "i-1"},
		{ID: "i-1", State: engine.StateOther},
		{ID: "i-1", State: engine.StateRunning},
	} {
		s.engine.inst = inst

		_, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
		assert.ErrorIs(s.T(), err, ErrNoState, inst.State)
	}
	assert.Zero(s.T(), s.engine.stops)
}

func (s *ReaperSuite) TestDescribeErrorPropagates() {
	s.lastAccessAgo(time.Hour)
	s.engine.descErr = errors.New("RequestLimitExceeded")

	_, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "RequestLimitExceeded")
}

func (s *ReaperSuite) TestStopErrorPropagates() {
	s.lastAccessAgo(time.Hour)
	s.engine.stopErr = errors.New("UnauthorizedOperation")

	d, err := s.reaper(10 * time.Minute).MaybeStop(s.ctx)
	require.Error(s.T(), err)
	assert.False(s.T(), d.Stopped)
}
