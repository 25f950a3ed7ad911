package torrent

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	Malformed ErrorKind = iota
	Incomplete
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Incomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed  = errors.New("malformed torrent")
	ErrIncomplete = errors.New("incomplete torrent")
)

// AnalysisError is returned for any descriptor that cannot be used.
// Offset is the byte position of the problem, or -1 when it is not positional.
type AnalysisError struct {
	Kind   ErrorKind
	Offset int
	Reason string
}

func (e *AnalysisError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s torrent: %s at offset %d", e.Kind, e.Reason, e.Offset)
	}
	return fmt.Sprintf("%s torrent: %s", e.Kind, e.Reason)
}

func (e *AnalysisError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrIncomplete:
		return e.Kind == Incomplete
	}
	return false
}

func malformed(offset int, format string, args ...any) error {
	return &AnalysisError{Kind: Malformed, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func incomplete(reason string) error {
	return &AnalysisError{Kind: Incomplete, Offset: -1, Reason: reason}
}
