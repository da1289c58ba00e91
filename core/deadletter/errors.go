package deadletter

import "errors"

var (
	ErrStoreNil         = errors.New("dead letter store is nil")
	ErrQueuesNil        = errors.New("queue adapter is nil")
	ErrRecordNotFound   = errors.New("dead letter record not found")
	ErrAlreadyRetried   = errors.New("dead letter record already retried")
	ErrInvalidRetention = errors.New("cleanup age must be at least one day")
	ErrMoveFailed       = errors.New("failed to move job to dead letter")
	ErrRetryFailed      = errors.New("failed to retry dead letter record")
)
