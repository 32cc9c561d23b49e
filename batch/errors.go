package batch

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration is wrapped by every error caused by a bad chunk
// size, concurrency limit or scheduling mode.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ErrPoolClosed is returned once the worker pool has been shut down
var ErrPoolClosed = errors.New("worker pool is closed")

// PoolError reports a failure of the dispatch machinery itself, unrelated to
// any specific item. It is fatal for the batch.
type PoolError struct {
	Op  string
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("worker pool: %s: %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
