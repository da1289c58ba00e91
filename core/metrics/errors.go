package metrics

import "errors"

var (
	ErrStoreNil       = errors.New("metrics store is nil")
	ErrQueueEmpty     = errors.New("queue name is empty")
	ErrUserEmpty      = errors.New("user id is empty")
	ErrInvalidRange   = errors.New("invalid time range")
	ErrRecorderClosed = errors.New("metrics recorder is closed")
)
