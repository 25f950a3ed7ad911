package manager

import (
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/darkiworld/debrid-blackhole/pkg/torrent"
	"slices"
	"time"
)

// Download is the externally visible lifecycle of one submitted item. ID is
// the info hash for torrents and magnets, a UUID for direct links.
type Download struct {
	ID          string              `json:"id"`
	Hash        string              `json:"hash,omitempty"`
	Name        string              `json:"name"`
	Kind        torrent.Kind        `json:"kind"`
	Source      string              `json:"source,omitempty"`
	Category    string              `json:"category,omitempty"`
	StartPaused bool                `json:"start_paused,omitempty"`
	State       types.State         `json:"state"`
	Progress    float64             `json:"progress"`
	Size        int64               `json:"size"`
	Provider    string              `json:"provider,omitempty"`
	RemoteID    string              `json:"remote_id,omitempty"`
	Files       []types.File        `json:"files,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Descriptor  *torrent.Descriptor `json:"descriptor,omitempty"`
	Session     *types.Session      `json:"-"`
}

func (d *Download) IsTerminal() bool {
	return d.State.IsTerminal()
}

// clone copies everything a reader could mutate. Descriptor is never modified
// after analysis and stays shared.
func (d *Download) clone() *Download {
	c := *d
	c.Files = slices.Clone(d.Files)
	c.Session = d.Session.Clone()
	return &c
}

type AddOptions struct {
	Category    string
	StartPaused bool
	Source      string // file path or URL the item came from, informational
}

// Event is delivered to subscribers after every state change.
type Event struct {
	Download Download
	Terminal bool
}

type Hook func(Download)
