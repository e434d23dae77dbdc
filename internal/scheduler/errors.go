package scheduler

import "errors"

var (
	// ErrNotFound is returned when a job id resolves to nothing.
	ErrNotFound = errors.New("scheduler: job not found")
	// ErrJobRunning rejects mutations and triggers on an in-flight job.
	ErrJobRunning = errors.New("scheduler: job is running")
	// ErrNotDue is returned by Run in due mode for a job whose next run
	// instant has not arrived.
	ErrNotDue = errors.New("scheduler: job not due")
	// ErrJobDisabled is returned by Run in due mode for a disabled job.
	ErrJobDisabled = errors.New("scheduler: job disabled")
	// ErrStopped rejects operations on a service that is not started.
	ErrStopped = errors.New("scheduler: service stopped")
	// ErrCapacity is returned by Run when the concurrent run ceiling is
	// already reached.
	ErrCapacity = errors.New("scheduler: concurrent run limit reached")
)
