// Package etcd stores leases and the last-access timestamp in etcd.
//
// Leases are JSON documents under <prefix>leases/<job id>; the last access
// is an RFC 3339 string under <prefix>last_access_at.  Reads go through the
// default linearizable path.  Flag updates are read-modify-write guarded by
// a compare on the previous value, so concurrent writers never lose a flag.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terrpan/gpuwarden/internal/store"
)

const (
	leasesDir     = "leases/"
	lastAccessKey = "last_access_at"

	// maxCASAttempts bounds the read-modify-write loop under contention.
	maxCASAttempts = 5
)

// errContention is returned when a flag update lost the compare too often.
var errContention = errors.New("too much contention on lease")

// Config holds etcd settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	// Prefix is prepended to every key, e.g. "gpuwarden/".
	Prefix string
}

// kvAPI is the subset of *clientv3.Client the store uses.
type kvAPI interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

type record struct {
	Deadline        int64 `json:"deadline"`
	Completed       bool  `json:"completed,omitempty"`
	Failed          bool  `json:"failed,omitempty"`
	TokensRecovered bool  `json:"tokens_recovered,omitempty"`
}

// Store implements store.LeaseStore.  LastAccess returns the companion
// store.LastAccess.
type Store struct {
	kv     kvAPI
	closer func() error
	prefix string
	logger *slog.Logger
}

var (
	_ store.LeaseStore = (*Store)(nil)
	_ store.LastAccess = (*lastAccess)(nil)
)

// New connects to the cluster and checks the first endpoint is reachable.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd status %s: %w", cfg.Endpoints[0], err)
	}

	logger.Info("etcd store initialized",
		slog.String("endpoints", strings.Join(cfg.Endpoints, ",")),
		slog.String("prefix", cfg.Prefix),
	)

	s := newStore(client, cfg.Prefix, logger)
	s.closer = client.Close
	return s, nil
}

func newStore(kv kvAPI, prefix string, logger *slog.Logger) *Store {
	return &Store{kv: kv, prefix: prefix, logger: logger, closer: func() error { return nil }}
}

// Close closes the client connection.
func (s *Store) Close() error {
	return s.closer()
}

func (s *Store) leaseKey(jobID string) string {
	return s.prefix + leasesDir + jobID
}

func (s *Store) read(ctx context.Context, jobID string) (*record, string, error) {
	resp, err := s.kv.Get(ctx, s.leaseKey(jobID))
	if err != nil {
		return nil, "", fmt.Errorf("get lease %s: %w", jobID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, "", nil
	}
	raw := string(resp.Kvs[0].Value)
	var rec record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, "", fmt.Errorf("decode lease %s: %w", jobID, err)
	}
	return &rec, raw, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*store.Lease, error) {
	rec, _, err := s.read(ctx, jobID)
	if err != nil || rec == nil {
		return nil, err
	}
	return &store.Lease{
		JobID:           jobID,
		Deadline:        time.Unix(rec.Deadline, 0).UTC(),
		Completed:       rec.Completed,
		Failed:          rec.Failed,
		TokensRecovered: rec.TokensRecovered,
	}, nil
}

func (s *Store) Put(ctx context.Context, lease store.Lease) error {
	data, err := json.Marshal(record{
		Deadline:        lease.Deadline.Unix(),
		Completed:       lease.Completed,
		Failed:          lease.Failed,
		TokensRecovered: lease.TokensRecovered,
	})
	if err != nil {
		return fmt.Errorf("encode lease %s: %w", lease.JobID, err)
	}
	if _, err := s.kv.Put(ctx, s.leaseKey(lease.JobID), string(data)); err != nil {
		return fmt.Errorf("put lease %s: %w", lease.JobID, err)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	_, err := s.update(ctx, jobID, func(r *record) bool {
		if r.Completed {
			return false
		}
		r.Completed = true
		return true
	})
	return err
}

func (s *Store) MarkFailed(ctx context.Context, jobID string) error {
	_, err := s.update(ctx, jobID, func(r *record) bool {
		if r.Failed {
			return false
		}
		r.Failed = true
		return true
	})
	return err
}

func (s *Store) MarkTokensRecovered(ctx context.Context, jobID string) (bool, error) {
	return s.update(ctx, jobID, func(r *record) bool {
		if r.TokensRecovered {
			return false
		}
		r.TokensRecovered = true
		return true
	})
}

// update applies mutate to the current record and writes it back only if
// the stored value is unchanged.  mutate returns false when there is
// nothing to write.  An absent lease is left absent.
func (s *Store) update(ctx context.Context, jobID string, mutate func(*record) bool) (bool, error) {
	key := s.leaseKey(jobID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, raw, err := s.read(ctx, jobID)
		if err != nil {
			return false, err
		}
		if rec == nil {
			s.logger.Warn("lease not found for update", slog.String("job_id", jobID))
			return false, nil
		}
		if !mutate(rec) {
			return false, nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return false, fmt.Errorf("encode lease %s: %w", jobID, err)
		}

		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(key), "=", raw)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return false, fmt.Errorf("update lease %s: %w", jobID, err)
		}
		if resp.Succeeded {
			return true, nil
		}
		s.logger.Debug("lease changed concurrently, retrying",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt+1),
		)
	}
	return false, fmt.Errorf("update lease %s: %w", jobID, errContention)
}

// LastAccess returns the last-access record over the same client.
func (s *Store) LastAccess() store.LastAccess {
	return &lastAccess{kv: s.kv, key: s.prefix + lastAccessKey}
}

type lastAccess struct {
	kv  kvAPI
	key string
}

func (l *lastAccess) Get(ctx context.Context) (time.Time, error) {
	resp, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get last access: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return time.Time{}, store.ErrNoLastAccess
	}
	t, err := time.Parse(time.RFC3339Nano, string(resp.Kvs[0].Value))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last access %q: %w", resp.Kvs[0].Value, err)
	}
	return t, nil
}

func (l *lastAccess) Touch(ctx context.Context, at time.Time) error {
	if _, err := l.kv.Put(ctx, l.key, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("touch last access: %w", err)
	}
	return nil
}
