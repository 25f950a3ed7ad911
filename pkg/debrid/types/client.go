package types

import (
	"context"
	"github.com/rs/zerolog"
)

// Client is one debrid service. Implementations normalise the service's own
// status codes into State and unlock links before reporting StateReady.
type Client interface {
	GetName() string
	GetLogger() zerolog.Logger
	// IsConfigured reports whether credentials are present.
	IsConfigured() bool
	// IsEnabled is IsConfigured plus the administrative switch.
	IsEnabled() bool
	TestConnection(ctx context.Context) error
	// ResolveLink unrestricts a hoster link into a direct URL.
	ResolveLink(ctx context.Context, link string) (string, error)
	SupportsTorrents() bool
	UploadTorrent(ctx context.Context, data []byte, filename string) (string, error)
	UploadMagnet(ctx context.Context, magnet string) (string, error)
	PollStatus(ctx context.Context, remoteID string) (*Session, error)
}

// Remover is implemented by clients that can delete a remote torrent.
type Remover interface {
	DeleteTorrent(ctx context.Context, remoteID string) error
}

// LinkStatus is a provider's view of one hoster link before unlocking it.
type LinkStatus struct {
	Link      string `json:"link"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Host      string `json:"host,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// LinkChecker is implemented by clients that can check hoster links in bulk.
type LinkChecker interface {
	CheckLinks(ctx context.Context, links []string) ([]LinkStatus, error)
}
