// Package recovery refunds the tokens a user spent on a job that failed
// for good.  It is the compensating action for the dead-letter path.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/terrpan/gpuwarden/internal/store"
)

const (
	selectUserID   = `SELECT user_id FROM workflow_jobs WHERE id = $1`
	incrementQuery = `SELECT increment_users_token_balance($1, $2)`
)

// Result says what Recover did.
type Result string

const (
	ResultRecovered        Result = "recovered"
	ResultNoLease          Result = "no_lease"
	ResultNotFailed        Result = "not_failed"
	ResultAlreadyRecovered Result = "already_recovered"
	ResultNoUser           Result = "no_user"
)

// Recoverer credits the job's owner once per failed job.
type Recoverer struct {
	db     *sql.DB
	leases store.LeaseStore
	amount int
	logger *slog.Logger
}

// New creates a Recoverer.  amount <= 0 means 1.
func New(db *sql.DB, leases store.LeaseStore, amount int, logger *slog.Logger) *Recoverer {
	if amount <= 0 {
		amount = 1
	}
	return &Recoverer{db: db, leases: leases, amount: amount, logger: logger.WithGroup("recovery")}
}

// Recover refunds the job's owner if the job failed and has not been
// refunded yet.  The credit happens before the flag is set, so a crash in
// between credits twice rather than never.
func (r *Recoverer) Recover(ctx context.Context, jobID string) (Result, error) {
	logger := r.logger.With(slog.String("job_id", jobID))

	lease, err := r.leases.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("recover %s: %w", jobID, err)
	}
	switch {
	case lease == nil:
		logger.Info("skipping recovery", slog.String("reason", string(ResultNoLease)))
		return ResultNoLease, nil
	case !lease.Failed:
		logger.Info("skipping recovery", slog.String("reason", string(ResultNotFailed)))
		return ResultNotFailed, nil
	case lease.TokensRecovered:
		logger.Info("skipping recovery", slog.String("reason", string(ResultAlreadyRecovered)))
		return ResultAlreadyRecovered, nil
	}

	var userID sql.NullString
	if err := r.db.QueryRowContext(ctx, selectUserID, jobID).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("recover %s: workflow job not found: %w", jobID, err)
		}
		return "", fmt.Errorf("recover %s: query workflow_jobs: %w", jobID, err)
	}

	if !userID.Valid || userID.String == "" {
		logger.Info("user not found, skipping token recovery")
		// Marked anyway so the job is not retried forever.
		if _, err := r.leases.MarkTokensRecovered(ctx, jobID); err != nil {
			return "", fmt.Errorf("recover %s: %w", jobID, err)
		}
		return ResultNoUser, nil
	}

	if _, err := r.db.ExecContext(ctx, incrementQuery, userID.String, r.amount); err != nil {
		return "", fmt.Errorf("recover %s: increment token balance: %w", jobID, err)
	}

	marked, err := r.leases.MarkTokensRecovered(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("recover %s: %w", jobID, err)
	}
	if !marked {
		logger.Warn("tokens were recovered concurrently", slog.String("user_id", userID.String))
		return ResultAlreadyRecovered, nil
	}

	logger.Info("token recovery completed",
		slog.String("user_id", userID.String),
		slog.Int("amount", r.amount),
	)
	return ResultRecovered, nil
}
