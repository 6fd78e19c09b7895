package engine

import (
	"context"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/store"
)

// LockStatus returns the locks currently held.
func (e *Engine) LockStatus(ctx context.Context) []lock.Lock {
	return e.locks.Status()
}

// CleanupLocks reclaims expired locks and returns how many were dropped.
func (e *Engine) CleanupLocks(ctx context.Context) int {
	n := e.locks.CleanupStale()
	if n > 0 {
		e.logger.WithField("action", "lock_cleanup").Infof("reclaimed %d stale locks", n)
	}
	return n
}

// Jobs lists recorded jobs, newest first. Without a job history it is empty.
func (e *Engine) Jobs(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	if e.index == nil {
		return []store.Job{}, nil
	}
	jobs, err := e.index.ListJobs(f)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	return jobs, nil
}

// Job returns one recorded job.
func (e *Engine) Job(ctx context.Context, id string) (*store.Job, error) {
	if e.index == nil {
		return nil, apperr.New(apperr.ErrInvalidInput, "job history is disabled")
	}
	j, err := e.index.GetJob(id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, apperr.New(apperr.ErrJobNotFound, "%s", id)
	}
	return j, nil
}
