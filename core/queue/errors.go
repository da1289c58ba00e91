package queue

import "errors"

var (
	ErrBackendNil          = errors.New("queue backend is nil")
	ErrBackendUnavailable  = errors.New("queue backend unavailable")
	ErrQueueNameEmpty      = errors.New("queue name is empty")
	ErrJobNameEmpty        = errors.New("job name is empty")
	ErrInvalidPriority     = errors.New("invalid job priority")
	ErrInvalidAttempts     = errors.New("invalid job attempts")
	ErrInvalidState        = errors.New("invalid job state")
	ErrJobNil              = errors.New("job is nil")
	ErrJobNotFound         = errors.New("job not found")
	ErrDuplicateJob        = errors.New("job with the same id already exists in queue")
	ErrJobActive           = errors.New("job is being processed and cannot be interrupted")
	ErrJobNotActive        = errors.New("job is not in active state")
	ErrNoJobAvailable      = errors.New("no job available to claim")
	ErrMarshalPayload      = errors.New("failed to marshal job payload")
	ErrAdapterNotStarted   = errors.New("queue adapter maintenance not started")
	ErrAdapterStarted      = errors.New("queue adapter maintenance already started")
	ErrHealthcheckFailed   = errors.New("queue healthcheck failed")
	ErrMaintenanceDisabled = errors.New("queue maintenance interval must be positive")
)
