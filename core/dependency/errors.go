package dependency

import "errors"

var (
	ErrStoreNil            = errors.New("dependency store is nil")
	ErrQueuesNil           = errors.New("queue adapter is nil")
	ErrDependencyNotFound  = errors.New("dependency not found")
	ErrDuplicateDependency = errors.New("dependency already exists")
	ErrParentNotFound      = errors.New("parent job not found")
	ErrParentFailed        = errors.New("parent job failed")
	ErrEmptyChain          = errors.New("job chain is empty")
	ErrInvalidSpec         = errors.New("invalid dependent job spec")
)
