package syncqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by every operation after Close.
	ErrQueueClosed = errors.New("syncqueue: queue closed")
	// ErrInvalidOperation rejects operations outside create/update/delete.
	ErrInvalidOperation = errors.New("syncqueue: invalid operation")
	// ErrMissingEntityType rejects entries without an entity type.
	ErrMissingEntityType = errors.New("syncqueue: entity type required")
)

const (
	opOpen         = "syncqueue.open"
	opEnqueue      = "syncqueue.enqueue"
	opDequeue      = "syncqueue.dequeue"
	opMarkComplete = "syncqueue.mark_complete"
	opMarkFailed   = "syncqueue.mark_failed"
	opStats        = "syncqueue.stats"
	opClear        = "syncqueue.clear"
	opFailed       = "syncqueue.failed_entries"
)

// QueueError carries an `operation.reason` code alongside the cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

// Code exposes the stable error code.
func (e *QueueError) Code() string {
	return e.code
}

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: operation + "." + reason, err: cause}
}
