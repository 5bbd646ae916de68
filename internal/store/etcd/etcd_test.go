package etcd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terrpan/gpuwarden/internal/store"
)

// ---------------------------------------------------------------------------
// Fake KV (satisfies kvAPI)
// ---------------------------------------------------------------------------

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string

	getErr error
	// beforeCommit runs inside Commit before the compare is evaluated,
	// simulating a concurrent writer.
	beforeCommit func(data map[string]string)

	commits int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := &clientv3.GetResponse{}
	if v, ok := f.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
		resp.Count = 1
	}
	return resp, nil
}

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Txn(_ context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

// fakeTxn supports value-equality compares and put operations.
type fakeTxn struct {
	kv   *fakeKV
	cmps []clientv3.Cmp
	then []clientv3.Op
	els  []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.then = append(t.then, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.els = append(t.els, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()
	t.kv.commits++
	if t.kv.beforeCommit != nil {
		t.kv.beforeCommit(t.kv.data)
	}

	ok := true
	for i := range t.cmps {
		cmp := t.cmps[i]
		if t.kv.data[string(cmp.KeyBytes())] != string(cmp.ValueBytes()) {
			ok = false
		}
	}
	ops := t.els
	if ok {
		ops = t.then
	}
	for _, op := range ops {
		if op.IsPut() {
			t.kv.data[string(op.KeyBytes())] = string(op.ValueBytes())
		}
	}
	return &clientv3.TxnResponse{Succeeded: ok}, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type EtcdStoreSuite struct {
	suite.Suite
	ctx   context.Context
	kv    *fakeKV
	store *Store
}

func (s *EtcdStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.kv = newFakeKV()
	s.store = newStore(s.kv, "gpuwarden/", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEtcdStoreSuite(t *testing.T) {
	suite.Run(t, new(EtcdStoreSuite))
}

func (s *EtcdStoreSuite) TestPutAndGet() {
	deadline := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.store.Put(s.ctx, store.Lease{JobID: "job-1", Deadline: deadline}))

	assert.JSONEq(s.T(), `{"deadline":1767268800}`, s.kv.data["gpuwarden/leases/job-1"])

	lease, err := s.store.Get(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &store.Lease{JobID: "job-1", Deadline: deadline}, lease)
}

func (s *EtcdStoreSuite) TestGet_Absent() {
	lease, err := s.store.Get(s.ctx, "missing")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), lease)
}

func (s *EtcdStoreSuite) TestGet_Corrupt() {
	s.kv.data["gpuwarden/leases/job-1"] = "{not json"

	_, err := s.store.Get(s.ctx, "job-1")
	assert.Error(s.T(), err)
}

func (s *EtcdStoreSuite) TestMarkFlagsAreMonotonic() {
	require.NoError(s.T(), s.store.Put(s.ctx, store.Lease{JobID: "job-1", Deadline: time.Unix(100, 0)}))

	require.NoError(s.T(), s.store.MarkFailed(s.ctx, "job-1"))
	require.NoError(s.T(), s.store.MarkCompleted(s.ctx, "job-1"))
	require.NoError(s.T(), s.store.MarkFailed(s.ctx, "job-1"))

	lease, err := s.store.Get(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.True(s.T(), lease.Failed)
	assert.True(s.T(), lease.Completed)
	assert.Equal(s.T(), 2, s.kv.commits, "setting an already-set flag writes nothing")
}

func (s *EtcdStoreSuite) TestMarkTokensRecovered_OnlyOnce() {
	require.NoError(s.T(), s.store.Put(s.ctx, store.Lease{JobID: "job-1", Failed: true}))

	set, err := s.store.MarkTokensRecovered(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.True(s.T(), set)

	set, err = s.store.MarkTokensRecovered(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.False(s.T(), set)
}

func (s *EtcdStoreSuite) TestMark_ConcurrentWriterKeepsBothFlags() {
	require.NoError(s.T(), s.store.Put(s.ctx, store.Lease{JobID: "job-1"}))
	raced := false
	s.kv.beforeCommit = func(data map[string]string) {
		if !raced {
			raced = true
			data["gpuwarden/leases/job-1"] = `{"deadline":0,"failed":true}`
		}
	}

	require.NoError(s.T(), s.store.MarkCompleted(s.ctx, "job-1"))

	lease, err := s.store.Get(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.True(s.T(), lease.Completed)
	assert.True(s.T(), lease.Failed, "the concurrent flag must survive the retry")
	assert.Equal(s.T(), 2, s.kv.commits)
}

func (s *EtcdStoreSuite) TestMark_PersistentContention() {
	require.NoError(s.T(), s.store.Put(s.ctx, store.Lease{JobID: "job-1"}))
	n := 0
	s.kv.beforeCommit = func(data map[string]string) {
		n++
		data["gpuwarden/leases/job-1"] = `{"deadline":` + strconv.Itoa(n) + `}`
	}

	err := s.store.MarkFailed(s.ctx, "job-1")
	assert.ErrorIs(s.T(), err, errContention)
	assert.Equal(s.T(), maxCASAttempts, s.kv.commits)
}

func (s *EtcdStoreSuite) TestMark_AbsentLeaseIsNoop() {
	set, err := s.store.MarkTokensRecovered(s.ctx, "missing")
	require.NoError(s.T(), err)
	assert.False(s.T(), set)
	assert.Empty(s.T(), s.kv.data)
}

func (s *EtcdStoreSuite) TestLastAccess() {
	la := s.store.LastAccess()

	_, err := la.Get(s.ctx)
	assert.ErrorIs(s.T(), err, store.ErrNoLastAccess)

	at := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(s.T(), la.Touch(s.ctx, at))
	assert.Equal(s.T(), "2026-01-01T12:30:00Z", s.kv.data["gpuwarden/last_access_at"])

	got, err := la.Get(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), at.Equal(got))
}

func (s *EtcdStoreSuite) TestLastAccess_ReadError() {
	s.kv.getErr = errors.New("etcdserver: request timed out")

	_, err := s.store.LastAccess().Get(s.ctx)
	require.Error(s.T(), err)
	assert.NotErrorIs(s.T(), err, store.ErrNoLastAccess)
}
