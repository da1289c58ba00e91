package registry

import "errors"

var (
	ErrAdapterNil       = errors.New("queue adapter is nil")
	ErrUnknownKind      = errors.New("unknown job kind")
	ErrInvalidPayload   = errors.New("invalid job payload")
	ErrProcessorMissing = errors.New("no processor for job kind")
	ErrRuntimeMissing   = errors.New("worker runtime not configured")
	ErrFeatureMissing   = errors.New("component not configured")
)
