// Package errors provides error types and utilities for the goresque library.
package errors

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"syscall"
)

// Sentinel errors for common conditions
var (
	ErrNotConnected           = errors.New("not connected")
	ErrInvalidArgs            = errors.New("arguments must be a single record, not a list")
	ErrUnknownHandler         = errors.New("handler not registered")
	ErrNoPerform              = errors.New("handler has no Perform method")
	ErrEmptyClassName         = errors.New("class name cannot be empty")
	ErrNilFactory             = errors.New("handler factory cannot be nil")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrImplausibleBlockingPop = errors.New("blocking pop returned empty before its timeout")
	ErrEmptyPush              = errors.New("push returned zero length")
	ErrInvalidWorkerID        = errors.New("invalid worker id")
	ErrTimeout                = errors.New("operation timed out")
	ErrNoQueues               = errors.New("no queues configured")
	ErrInvalidConfig          = errors.New("invalid configuration")
)

// Re-exported so callers can stay on a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// StoreError represents store-layer errors
type StoreError struct {
	Op  string // operation being performed
	Key string // key or queue name (if applicable)
	Err error  // underlying error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s on %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ValidationError is returned to enqueuing callers for bad job arguments.
type ValidationError struct {
	Class string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job %s: %v", e.Class, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// CannotPerformError means the handler identifier could not be turned into
// something runnable.
type CannotPerformError struct {
	Class string
	Err   error
}

func (e *CannotPerformError) Error() string {
	return fmt.Sprintf("could not perform %s: %v", e.Class, e.Err)
}

func (e *CannotPerformError) Unwrap() error {
	return e.Err
}

func (e *CannotPerformError) Kind() string { return "CannotPerform" }

// DirtyExitError is a job execution that ended without the handler
// reporting a normal error.
type DirtyExitError struct {
	Status int    // exit status, -1 when unknown
	Reason string // optional detail
}

func (e *DirtyExitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job exited dirty (status %d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("job exited with exit code %d", e.Status)
}

func (e *DirtyExitError) Kind() string { return "DirtyExit" }

// CommunicationError represents a failed call to a remote executor
type CommunicationError struct {
	Location string
	Attempts int
	Err      error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("remote executor %s after %d attempt(s): %v", e.Location, e.Attempts, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

func (e *CommunicationError) Kind() string { return "CommunicationError" }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Kind() string { return "Panic" }

// StackTrace returns the panic stack split into lines
func (e *PanicError) StackTrace() []string {
	return stackLines(e.Stack)
}

// StackError carries the stack of the goroutine that recorded Err. The
// message and kind are Err's own.
type StackError struct {
	Err   error
	Stack []byte
}

func (e *StackError) Error() string {
	return e.Err.Error()
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// StackTrace returns the captured stack split into lines
func (e *StackError) StackTrace() []string {
	return stackLines(e.Stack)
}

func stackLines(stack []byte) []string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// Helper functions for creating errors

// NewStoreError creates a new store error
func NewStoreError(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

// NewValidationError creates a new validation error
func NewValidationError(class string, err error) error {
	return &ValidationError{Class: class, Err: err}
}

// NewCannotPerformError creates a new cannot-perform error
func NewCannotPerformError(class string, err error) error {
	return &CannotPerformError{Class: class, Err: err}
}

// NewDirtyExitError creates a new dirty exit error
func NewDirtyExitError(status int, reason string) error {
	return &DirtyExitError{Status: status, Reason: reason}
}

// NewCommunicationError creates a new communication error
func NewCommunicationError(location string, attempts int, err error) error {
	return &CommunicationError{Location: location, Attempts: attempts, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// Kind returns the failure kind recorded in the "exception" field.
func Kind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "Error"
}

// Backtrace returns stack lines carried by err, if any.
func Backtrace(err error) []string {
	var st interface{ StackTrace() []string }
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return []string{}
}

// WithStack attaches the current stack to err unless it already carries
// one.
func WithStack(err error) error {
	if err == nil || len(Backtrace(err)) > 0 {
		return err
	}
	return &StackError{Err: err, Stack: debug.Stack()}
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if t, ok := err.(interface{ Temporary() bool }); ok && t.Temporary() {
		return true
	}
	if IsTimeout(err) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, ErrTimeout)
}
