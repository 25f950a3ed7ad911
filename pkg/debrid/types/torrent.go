package types

import (
	"context"
	"errors"
	"slices"
)

type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateReady       State = "ready"
	StateError       State = "error"
)

func (s State) IsTerminal() bool {
	return s == StateReady || s == StateError
}

type File struct {
	DownloadURL string `json:"download_url"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
}

// Session is one provider's handling of one submitted item.
// Files is populated only at StateReady, Error only at StateError.
type Session struct {
	Provider  string  `json:"provider"`
	RemoteID  string  `json:"remote_id"`
	State     State   `json:"state"`
	Progress  float64 `json:"progress"`
	TotalSize int64   `json:"total_size"`
	Files     []File  `json:"files,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// UnlockPending is the progress reported while a finished item's links cannot
// be unlocked yet. 100 stays reserved for Ready.
const UnlockPending = 99.0

// AwaitUnlock keeps a finished session polling after its links failed to
// unlock, so the cached content is not abandoned. Auth failures and
// cancellation are returned unchanged.
func (s *Session) AwaitUnlock(err error) error {
	if errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.State = StateDownloading
	s.Progress = UnlockPending
	s.Files = nil
	return nil
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Files = slices.Clone(s.Files)
	return &c
}

// Percent converts byte counters to a percentage in [0,100]. An unknown total yields 0.
func Percent(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return Clamp(float64(downloaded) * 100 / float64(total))
}

func Clamp(p float64) float64 {
	switch {
	case p != p || p < 0: // NaN or negative
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Normalize enforces the progress rules every client must report.
func (s *Session) Normalize() *Session {
	switch s.State {
	case StateQueued:
		s.Progress = 0
	case StateReady:
		s.Progress = 100
	default:
		s.Progress = Clamp(s.Progress)
	}
	if s.State != StateReady {
		s.Files = nil
	}
	if s.State != StateError {
		s.Error = ""
	}
	return s
}
