package queue

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task id does not resolve to a task.
var ErrTaskNotFound = errors.New("queue: task not found")

// FullError is returned by Enqueue when the pending set is at capacity.
// Callers should back off; the condition is transient.
type FullError struct {
	Type string
	Size int64
	Max  int64
}

// Error implements the error interface.
func (e *FullError) Error() string {
	return fmt.Sprintf("queue %q full: %d/%d tasks pending", e.Type, e.Size, e.Max)
}

// IsFull reports whether err is a queue capacity rejection.
func IsFull(err error) bool {
	var fe *FullError
	return errors.As(err, &fe)
}

// StateError is returned when a transition is applied to a task that is not
// in the required state, for example completing a task no worker holds.
type StateError struct {
	ID   string
	Want Status
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("queue: task %s is not %s", e.ID, e.Want)
}
