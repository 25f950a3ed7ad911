package types

import (
	"context"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/request"
)

type ErrorKind int

const (
	AuthFailure ErrorKind = iota
	NotConfigured
	RemoteRejected
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case AuthFailure:
		return "auth failure"
	case NotConfigured:
		return "not configured"
	case RemoteRejected:
		return "remote rejected"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrAuthFailure    = errors.New("auth failure")
	ErrNotConfigured  = errors.New("not configured")
	ErrRemoteRejected = errors.New("remote rejected")
	ErrTimeout        = errors.New("timeout")
)

type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrAuthFailure:
		return e.Kind == AuthFailure
	case ErrNotConfigured:
		return e.Kind == NotConfigured
	case ErrRemoteRejected:
		return e.Kind == RemoteRejected
	case ErrTimeout:
		return e.Kind == Timeout
	}
	return false
}

func NewError(provider string, kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// Classify wraps a transport or HTTP failure. 401/403 become AuthFailure,
// deadlines become Timeout and everything else RemoteRejected. Existing
// ProviderErrors and context cancellation pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if errors.As(err, &perr) || errors.Is(err, context.Canceled) {
		return err
	}
	kind := RemoteRejected
	var httpErr *request.HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.IsAuth():
		kind = AuthFailure
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	}
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}
