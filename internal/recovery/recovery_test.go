package recovery

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/gpuwarden/internal/store"
	"github.com/terrpan/gpuwarden/internal/store/memory"
)

type RecoverySuite struct {
	suite.Suite
	ctx       context.Context
	db        *sql.DB
	mock      sqlmock.Sqlmock
	leases    *memory.Store
	recoverer *Recoverer
}

func (s *RecoverySuite) SetupTest() {
	s.ctx = context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(s.T(), err)
	s.db, s.mock = db, mock
	s.leases = memory.New(0)
	s.recoverer = New(db, s.leases, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *RecoverySuite) TearDownTest() {
	assert.NoError(s.T(), s.mock.ExpectationsWereMet())
	s.db.Close()
}

func TestRecoverySuite(t *testing.T) {
	suite.Run(t, new(RecoverySuite))
}

func (s *RecoverySuite) putLease(l store.Lease) {
	l.JobID = "job-1"
	l.Deadline = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.leases.Put(s.ctx, l))
}

func (s *RecoverySuite) expectUser(userID any) {
	s.mock.ExpectQuery(regexp.QuoteMeta(selectUserID)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID))
}

func (s *RecoverySuite) TestRecoversFailedJob() {
	s.putLease(store.Lease{Failed: true})
	s.expectUser("user-7")
	s.mock.ExpectExec(regexp.QuoteMeta(incrementQuery)).
		WithArgs("user-7", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := s.recoverer.Recover(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ResultRecovered, res)

	lease, _ := s.leases.Get(s.ctx, "job-1")
	assert.True(s.T(), lease.TokensRecovered)
}

func (s *RecoverySuite) TestSecondCallDoesNotCreditAgain() {
	s.putLease(store.Lease{Failed: true})
	s.expectUser("user-7")
	s.mock.ExpectExec(regexp.QuoteMeta(incrementQuery)).
		WithArgs("user-7", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.recoverer.Recover(s.ctx, "job-1")
	require.NoError(s.T(), err)

	res, err := s.recoverer.Recover(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ResultAlreadyRecovered, res)
}

func (s *RecoverySuite) TestSkipsJobsThatDidNotFail() {
	s.putLease(store.Lease{Completed: true})

	res, err := s.recoverer.Recover(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ResultNotFailed, res)
}

func (s *RecoverySuite) TestSkipsMissingLease() {
	res, err := s.recoverer.Recover(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ResultNoLease, res)
}

func (s *RecoverySuite) TestNullUserMarksRecovered() {
	s.putLease(store.Lease{Failed: true})
	s.expectUser(nil)

	res, err := s.recoverer.Recover(s.ctx, "job-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ResultNoUser, res)

	lease, _ := s.leases.Get(s.ctx, "job-1")
	assert.True(s.T(), lease.TokensRecovered)
}

func (s *RecoverySuite) TestMissingWorkflowJobIsError() {
	s.putLease(store.Lease{Failed: true})
	s.mock.ExpectQuery(regexp.QuoteMeta(selectUserID)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := s.recoverer.Recover(s.ctx, "job-1")
	assert.ErrorIs(s.T(), err, sql.ErrNoRows)

	lease, _ := s.leases.Get(s.ctx, "job-1")
	assert.False(s.T(), lease.TokensRecovered)
}

func (s *RecoverySuite) TestIncrementFailureLeavesFlagUnset() {
	s.putLease(store.Lease{Failed: true})
	s.expectUser("user-7")
	s.mock.ExpectExec(regexp.QuoteMeta(incrementQuery)).
		WithArgs("user-7", 3).
		WillReturnError(errors.New("function increment_users_token_balance does not exist"))

	_, err := s.recoverer.Recover(s.ctx, "job-1")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "increment token balance")

	lease, _ := s.leases.Get(s.ctx, "job-1")
	assert.False(s.T(), lease.TokensRecovered, "a later retry must still credit")
}

func TestDefaultAmount(t *testing.T) {
	r := New(nil, memory.New(0), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 1, r.amount)
}
