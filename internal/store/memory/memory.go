// Package memory is an in-process lease and last-access store for local
// runs and tests.  Nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/terrpan/gpuwarden/internal/store"
)

const (
	lastAccessKey = "last_access_at"
	leasePrefix   = "lease/"
)

// Store implements store.LeaseStore and, through LastAccess, store.LastAccess.
// Leases are evicted Retention after their deadline, mirroring a TTL
// attribute on a durable table.
type Store struct {
	// mu serializes read-modify-write on leases; go-cache only makes
	// single operations atomic.
	mu        sync.Mutex
	data      *gocache.Cache
	retention time.Duration
}

var (
	_ store.LeaseStore = (*Store)(nil)
	_ store.LastAccess = (*lastAccess)(nil)
)

// New creates a Store.  Retention <= 0 keeps leases forever.
func New(retention time.Duration) *Store {
	return &Store{
		data:      gocache.New(gocache.NoExpiration, 10*time.Minute),
		retention: retention,
	}
}

func (s *Store) ttl(deadline time.Time) time.Duration {
	if s.retention <= 0 {
		return gocache.NoExpiration
	}
	d := time.Until(deadline) + s.retention
	if d <= 0 {
		// Already past retention: store it expired.
		return time.Nanosecond
	}
	return d
}

func (s *Store) Get(_ context.Context, jobID string) (*store.Lease, error) {
	v, ok := s.data.Get(leasePrefix + jobID)
	if !ok {
		return nil, nil
	}
	lease := v.(store.Lease)
	return &lease, nil
}

func (s *Store) Put(_ context.Context, lease store.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Set(leasePrefix+lease.JobID, lease, s.ttl(lease.Deadline))
	return nil
}

func (s *Store) MarkCompleted(_ context.Context, jobID string) error {
	s.update(jobID, func(l *store.Lease) bool {
		changed := !l.Completed
		l.Completed = true
		return changed
	})
	return nil
}

func (s *Store) MarkFailed(_ context.Context, jobID string) error {
	s.update(jobID, func(l *store.Lease) bool {
		changed := !l.Failed
		l.Failed = true
		return changed
	})
	return nil
}

func (s *Store) MarkTokensRecovered(_ context.Context, jobID string) (bool, error) {
	return s.update(jobID, func(l *store.Lease) bool {
		changed := !l.TokensRecovered
		l.TokensRecovered = true
		return changed
	}), nil
}

// update keeps the lease's original expiration.
func (s *Store) update(jobID string, mutate func(*store.Lease) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leasePrefix + jobID
	v, exp, ok := s.data.GetWithExpiration(key)
	if !ok {
		return false
	}
	lease := v.(store.Lease)
	if !mutate(&lease) {
		return false
	}
	d := gocache.NoExpiration
	if !exp.IsZero() {
		if d = time.Until(exp); d <= 0 {
			d = time.Nanosecond
		}
	}
	s.data.Set(key, lease, d)
	return true
}

// LastAccess returns the last-access record kept in the same cache.
func (s *Store) LastAccess() store.LastAccess {
	return &lastAccess{data: s.data}
}

type lastAccess struct {
	data *gocache.Cache
}

func (l *lastAccess) Get(_ context.Context) (time.Time, error) {
	v, ok := l.data.Get(lastAccessKey)
	if !ok {
		return time.Time{}, store.ErrNoLastAccess
	}
	return v.(time.Time), nil
}

func (l *lastAccess) Touch(_ context.Context, at time.Time) error {
	l.data.Set(lastAccessKey, at, gocache.NoExpiration)
	return nil
}
