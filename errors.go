package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// APIError is an error body returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// AuthError reports an invalid or expired credential. It is never
// retried; the caller must re-authenticate.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth: " + e.Reason + ": " + e.Err.Error()
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError reports a connect, send or fetch failure that is retried
// with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary reports that the operation may succeed if retried.
func (e *NetworkError) Temporary() bool { return true }

// ServerRejected reports an explicit 4xx for a request. Sends rejected
// this way are marked Failed immediately.
type ServerRejected struct {
	Status int
	API    *APIError
}

func (e *ServerRejected) Error() string {
	if e.API != nil {
		return fmt.Sprintf("rejected (HTTP %d): %s", e.Status, e.API.Error())
	}
	return fmt.Sprintf("rejected (HTTP %d)", e.Status)
}

// ReconciliationTimeout reports an optimistic message that was not
// confirmed within the window.
type ReconciliationTimeout struct {
	TempID string
	After  time.Duration
}

func (e *ReconciliationTimeout) Error() string {
	return fmt.Sprintf("message %s unconfirmed after %s", e.TempID, e.After)
}

// PersistenceError wraps a snapshot read or write failure. It is logged,
// never returned to callers.
type PersistenceError struct {
	Key string
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	ErrClosed       = errors.New("chatsync: closed")
	ErrNotConnected = errors.New("chatsync: not connected")
	ErrUnknownTemp  = errors.New("chatsync: unknown temp id")
	ErrNotFailed    = errors.New("chatsync: message is not failed")
)

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// failReason maps a send error to the short kind stored on Failed entries.
func failReason(err error) string {
	var (
		rej *ServerRejected
		to  *ReconciliationTimeout
		ae  *AuthError
	)
	switch {
	case errors.As(err, &rej):
		return "rejected"
	case errors.As(err, &to):
		return "timeout"
	case errors.As(err, &ae):
		return "auth"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "network"
}
