// Package coreerr defines the tagged error taxonomy used across the
// concurrency substrate. Every kind is a sentinel *CoreError comparable
// with errors.Is, and wraps an optional underlying cause for errors.As
// and %w formatting.
package coreerr

import "fmt"

// Kind identifies one of the closed set of error categories the core
// can surface to a tool handler.
type Kind string

const (
	KindNotConnected    Kind = "not_connected"
	KindConnectTimeout  Kind = "connect_timeout"
	KindReconnectFailed Kind = "reconnect_failed"
	KindChromeNotFound  Kind = "chrome_not_found"
	KindChromeNotRunning Kind = "chrome_not_running"
	KindProfileLocked   Kind = "profile_locked"
	KindSessionNotFound Kind = "session_not_found"
	KindSessionLimit    Kind = "session_limit_reached"
	KindTargetNotFound  Kind = "target_not_found"
	KindQueueCleared    Kind = "queue_cleared"
	KindWorkerTimeout   Kind = "worker_timeout"
	KindWorkerStale     Kind = "worker_stale"
	KindCommandError    Kind = "command_error"
	KindDomainBlocked   Kind = "domain_blocked"
)

// CoreError is the concrete error type behind every sentinel in this
// package. Method is populated for KindCommandError; it names the CDP
// method that failed.
type CoreError struct {
	Kind    Kind
	Method  string
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Method != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Message, e.Method, e.Cause)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Method)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// Is makes CoreError comparable by Kind alone, so errors.Is(err,
// coreerr.ErrNotConnected) matches any CoreError of that kind
// regardless of message or cause.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons. Construct a fresh
// *CoreError with New/Wrap when a message or cause is needed; compare
// against these with errors.Is.
var (
	ErrNotConnected    = &CoreError{Kind: KindNotConnected}
	ErrConnectTimeout  = &CoreError{Kind: KindConnectTimeout}
	ErrReconnectFailed = &CoreError{Kind: KindReconnectFailed}
	ErrChromeNotFound  = &CoreError{Kind: KindChromeNotFound}
	ErrChromeNotRunning = &CoreError{Kind: KindChromeNotRunning}
	ErrProfileLocked   = &CoreError{Kind: KindProfileLocked}
	ErrSessionNotFound = &CoreError{Kind: KindSessionNotFound}
	ErrSessionLimit    = &CoreError{Kind: KindSessionLimit}
	ErrTargetNotFound  = &CoreError{Kind: KindTargetNotFound}
	ErrQueueCleared    = &CoreError{Kind: KindQueueCleared}
	ErrWorkerTimeout   = &CoreError{Kind: KindWorkerTimeout}
	ErrWorkerStale     = &CoreError{Kind: KindWorkerStale}
	ErrCommandError    = &CoreError{Kind: KindCommandError}
	ErrDomainBlocked   = &CoreError{Kind: KindDomainBlocked}
)

// New creates a CoreError of the given kind with a message.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap creates a CoreError of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// Command wraps a CDP command failure as a KindCommandError.
func Command(method string, cause error) *CoreError {
	return &CoreError{Kind: KindCommandError, Method: method, Message: "command failed", Cause: cause}
}
