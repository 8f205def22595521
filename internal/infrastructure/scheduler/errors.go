package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when triggering a job on a stopped scheduler
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrUnknownJob is returned for a job name the scheduler does not run
	ErrUnknownJob = errors.New("unknown maintenance job")

	// ErrJobAlreadyRunning is returned when a job is triggered while it runs
	ErrJobAlreadyRunning = errors.New("maintenance job already running")
)
