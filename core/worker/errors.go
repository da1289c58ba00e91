package worker

import "errors"

var (
	ErrAdapterNil        = errors.New("queue adapter is nil")
	ErrProcessorNil      = errors.New("processor is nil")
	ErrQueueNameEmpty    = errors.New("queue name is empty")
	ErrRuntimeStarted    = errors.New("worker runtime already started")
	ErrRuntimeNotStarted = errors.New("worker runtime not started")
	ErrProcessorPanic    = errors.New("processor panicked")
	ErrHealthcheckFailed = errors.New("worker runtime healthcheck failed")
)
