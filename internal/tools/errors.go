package tools

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrToolExists    = errors.New("tool already exists")
	ErrToolNotFound  = errors.New("tool not found")
	ErrTimeout       = errors.New("tool timed out")
	ErrInvalidParams = errors.New("invalid tool parameters")
)

// TimeoutError reports a call that outlived its budget. It matches ErrTimeout.
type TimeoutError struct {
	Tool  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExecutionError wraps a failure raised by the tool itself.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type transientError struct {
	err error
}

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Transient() bool { return true }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is a timeout or carries a Transient() bool marker
// anywhere in its chain.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var marked interface{ Transient() bool }
	if errors.As(err, &marked) {
		return marked.Transient()
	}
	return false
}
