package async

import "errors"

var (
	ErrTimeout     = errors.New("async operation timed out")
	ErrNoFutures   = errors.New("no futures provided")
	ErrGroupClosed = errors.New("async group is closed")
)
