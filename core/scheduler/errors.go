package scheduler

import "errors"

var (
	ErrTaskNameEmpty       = errors.New("task name cannot be empty")
	ErrTaskNil             = errors.New("task function cannot be nil")
	ErrDuplicateTask       = errors.New("task already registered")
	ErrInvalidSchedule     = errors.New("invalid cron schedule")
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskRunning         = errors.New("task is still running")
	ErrSchedulerStarted    = errors.New("scheduler already started")
	ErrSchedulerNotStarted = errors.New("scheduler not started")
	ErrTaskPanic           = errors.New("task panicked")
	ErrHealthcheckFailed   = errors.New("scheduler healthcheck failed")
)
