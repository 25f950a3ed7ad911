package debrid

import (
	"context"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/alldebrid"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/debridlink"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/realdebrid"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/torbox"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"slices"
	"sync"
)

// Engine holds the configured providers in priority order.
type Engine struct {
	clients []types.Client
	byName  map[string]types.Client
	logger  zerolog.Logger
}

func NewEngine(clients ...types.Client) *Engine {
	e := &Engine{
		clients: make([]types.Client, 0, len(clients)),
		byName:  make(map[string]types.Client, len(clients)),
		logger:  logger.New("debrid"),
	}
	for _, c := range clients {
		if c == nil {
			continue
		}
		if _, dup := e.byName[c.GetName()]; dup {
			e.logger.Warn().Str("provider", c.GetName()).Msg("Duplicate provider ignored")
			continue
		}
		e.clients = append(e.clients, c)
		e.byName[c.GetName()] = c
	}
	return e
}

// FromConfig builds one client per configured debrid, keeping config order.
func FromConfig(cfg *config.Config, opts ...request.ClientOption) *Engine {
	clients := make([]types.Client, 0, len(cfg.Debrids))
	for _, dc := range cfg.Debrids {
		client := createDebridClient(dc, opts...)
		if client == nil {
			continue
		}
		_log := client.GetLogger()
		if client.IsEnabled() {
			_log.Info().Msg("Debrid Service started")
		} else {
			_log.Info().Bool("configured", client.IsConfigured()).Msg("Debrid Service disabled")
		}
		clients = append(clients, client)
	}
	return NewEngine(clients...)
}

func createDebridClient(dc config.Debrid, opts ...request.ClientOption) types.Client {
	switch dc.Name {
	case realdebrid.Name:
		return realdebrid.New(dc, opts...)
	case torbox.Name:
		return torbox.New(dc, opts...)
	case debridlink.Name:
		return debridlink.New(dc, opts...)
	case alldebrid.Name:
		return alldebrid.New(dc, opts...)
	default:
		return nil
	}
}

func (e *Engine) Providers() []types.Client {
	return slices.Clone(e.clients)
}

func (e *Engine) Get(name string) types.Client {
	return e.byName[name]
}

func (e *Engine) Enabled() []types.Client {
	out := make([]types.Client, 0, len(e.clients))
	for _, c := range e.clients {
		if c.IsEnabled() {
			out = append(out, c)
		}
	}
	return out
}

// TorrentProviders are the enabled clients that accept torrent uploads.
func (e *Engine) TorrentProviders() []types.Client {
	out := make([]types.Client, 0, len(e.clients))
	for _, c := range e.Enabled() {
		if c.SupportsTorrents() {
			out = append(out, c)
		}
	}
	return out
}

// CheckLinks asks the first enabled provider that supports bulk checks.
func (e *Engine) CheckLinks(ctx context.Context, links []string) ([]types.LinkStatus, error) {
	for _, c := range e.Enabled() {
		checker, ok := c.(types.LinkChecker)
		if !ok {
			continue
		}
		statuses, err := checker.CheckLinks(ctx, links)
		if err != nil {
			return nil, types.Classify(c.GetName(), err)
		}
		return statuses, nil
	}
	return nil, ErrNoLinkChecker
}

// TestConnections checks every configured provider in parallel. Unconfigured
// providers report NotConfigured without a request.
func (e *Engine) TestConnections(ctx context.Context) map[string]error {
	var (
		mu      sync.Mutex
		results = make(map[string]error, len(e.clients))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range e.clients {
		g.Go(func() error {
			err := c.TestConnection(gctx)
			if err != nil {
				e.logger.Debug().Err(err).Str("provider", c.GetName()).Msg("Connection test failed")
			}
			mu.Lock()
			results[c.GetName()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
