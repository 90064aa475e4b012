package admission

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRejected is returned when the queue is at capacity. The request was
	// never dispatched; the caller may retry later.
	ErrRejected = errors.New("admission: rate limit exceeded")

	// ErrDownstream matches every *DownstreamError.
	ErrDownstream = errors.New("admission: downstream failure")

	// ErrClosed is returned for requests pending or submitted after Close.
	ErrClosed = errors.New("admission: queue closed")
)

// DownstreamError wraps a failure of the Processor for one request.
type DownstreamError struct {
	ID  string
	Err error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("admission: request %s failed downstream: %v", e.ID, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

func (e *DownstreamError) Is(target error) bool { return target == ErrDownstream }
