package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/terrpan/gpuwarden/internal/dispatch"
)

// work drains the queue one job at a time until ctx is done.
func (s *Server) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.process(ctx, job)
		}
	}
}

func (s *Server) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)
}

// process runs job until it reaches an outcome, fails permanently, or
// uses up its attempts.  Only retryable failures are attempted again.
func (s *Server) process(ctx context.Context, job dispatch.Job) {
	s.setInFlight(job.ID)
	defer s.setInFlight("")

	logger := s.logger.With(slog.String("job_id", job.ID))
	attempts := 0
	var outcome dispatch.Outcome

	op := func() error {
		attempts++
		out, err := s.deps.Dispatcher.Run(ctx, job)
		if err != nil {
			if !dispatch.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		outcome = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("job attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	if err == nil {
		logger.Info("job finished",
			slog.String("outcome", outcome.String()),
			slog.Int("attempts", attempts),
		)
		return
	}
	if ctx.Err() != nil {
		logger.Warn("job interrupted by shutdown", slog.String("error", err.Error()))
		return
	}
	s.deadLetter(ctx, job, attempts, err)
}

// deadLetter records the final failure of job: the lease is marked
// failed and the user's tokens are given back.
func (s *Server) deadLetter(ctx context.Context, job dispatch.Job, attempts int, cause error) {
	logger := s.logger.With(slog.String("job_id", job.ID))
	logger.Error("job dead-lettered",
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)
	if s.deadLettered != nil {
		s.deadLettered.Add(ctx, 1)
	}

	if err := s.deps.Leases.MarkFailed(ctx, job.ID); err != nil {
		logger.Error("failed to mark lease failed", slog.String("error", err.Error()))
		return
	}
	if s.deps.Recoverer == nil {
		return
	}
	result, err := s.deps.Recoverer.Recover(ctx, job.ID)
	if err != nil {
		logger.Error("token recovery failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("token recovery finished", slog.String("result", string(result)))
}

// reapLoop calls the reaper every ReapInterval until ctx is done.
func (s *Server) reapLoop(ctx context.Context) {
	if s.deps.Reaper == nil || s.cfg.ReapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Server) reapOnce(ctx context.Context) {
	d, err := s.deps.Reaper.MaybeStop(ctx)

	s.mu.Lock()
	s.lastReap = s.now()
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("idle check failed", slog.String("error", err.Error()))
		}
		return
	}
	if d.Stopped {
		s.logger.Info("instance stopped after idle period", slog.Duration("idle", d.Idle))
	}
}

// drop discards queued jobs at shutdown.  Their leases are left as they
// are; a job resubmitted before its deadline runs normally.
func (s *Server) drop() {
	for {
		select {
		case job := <-s.queue:
			s.logger.Warn("dropping queued job at shutdown", slog.String("job_id", job.ID))
		default:
			return
		}
	}
}

func (s *Server) setInFlight(jobID string) {
	s.mu.Lock()
	s.inFlight = jobID
	s.mu.Unlock()
}
