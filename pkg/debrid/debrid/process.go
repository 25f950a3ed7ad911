package debrid

import (
	"context"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/metrics"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"time"
)

const (
	DefaultTimeout      = 30 * time.Minute
	DefaultPollInterval = 5 * time.Second

	removeTimeout = 30 * time.Second
)

var (
	ErrNoProviders        = errors.New("no debrid providers available")
	ErrAllProvidersFailed = errors.New("all debrid providers failed")
	ErrNoLinkChecker      = errors.New("no enabled provider can check links")
)

// Upload is what gets sent to a provider: either raw torrent bytes or a magnet URI.
type Upload struct {
	Data     []byte
	Filename string
	Magnet   string
}

func (u Upload) submit(ctx context.Context, client types.Client) (string, error) {
	if u.Magnet != "" {
		return client.UploadMagnet(ctx, u.Magnet)
	}
	return client.UploadTorrent(ctx, u.Data, u.Filename)
}

// UpdateFunc receives a copy of the session after every poll.
type UpdateFunc func(session *types.Session, provider string)

type Result struct {
	Provider  string
	RemoteID  string
	Files     []types.File
	TotalSize int64
}

// Process tries each enabled torrent provider in priority order until one
// reports Ready. Error states, poll failures and timeouts move on to the next
// provider; cancelling ctx stops immediately.
func (e *Engine) Process(ctx context.Context, upload Upload, onUpdate UpdateFunc, timeout, pollInterval time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	var lastErr error
	for _, client := range e.TorrentProviders() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := client.GetName()
		_log := client.GetLogger()
		_log.Info().Str("filename", upload.Filename).Msg("Processing torrent")

		result, err := e.attempt(ctx, client, upload, onUpdate, timeout, pollInterval)
		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(name, "ready").Inc()
			_log.Info().Str("id", result.RemoteID).Int("files", len(result.Files)).Msg("Torrent ready")
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ProviderAttempts.WithLabelValues(name, "failed").Inc()
		_log.Warn().Err(err).Msg("Provider failed, trying next")
		lastErr = err
	}
	if lastErr == nil {
		return nil, ErrNoProviders
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

func (e *Engine) attempt(ctx context.Context, client types.Client, upload Upload, onUpdate UpdateFunc, timeout, pollInterval time.Duration) (*Result, error) {
	name := client.GetName()
	remoteID, err := upload.submit(ctx, client)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		session, err := client.PollStatus(attemptCtx, remoteID)
		metrics.ProviderPolls.WithLabelValues(name).Inc()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && attemptCtx.Err() != nil:
			e.remove(ctx, client, remoteID)
			return nil, types.NewError(name, types.Timeout, "not ready after %s", timeout)
		case err != nil:
			e.remove(ctx, client, remoteID)
			return nil, err
		}

		session.Provider = name
		session.RemoteID = remoteID
		if onUpdate != nil {
			onUpdate(session.Clone(), name)
		}

		switch session.State {
		case types.StateReady:
			return &Result{
				Provider:  name,
				RemoteID:  remoteID,
				Files:     session.Files,
				TotalSize: session.TotalSize,
			}, nil
		case types.StateError:
			e.remove(ctx, client, remoteID)
			return nil, types.NewError(name, types.RemoteRejected, "%s", session.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-attemptCtx.Done():
			e.remove(ctx, client, remoteID)
			return nil, types.NewError(name, types.Timeout, "not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

// remove deletes an abandoned remote torrent when the provider supports it.
func (e *Engine) remove(ctx context.Context, client types.Client, remoteID string) {
	remover, ok := client.(types.Remover)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if err := remover.DeleteTorrent(rctx, remoteID); err != nil {
		e.logger.Debug().Err(err).Str("provider", client.GetName()).Str("id", remoteID).Msg("Failed to remove torrent")
	}
}

// ResolveLink unrestricts link through the first enabled provider that
// returns something different. When none does, link comes back unchanged
// with an empty provider.
func (e *Engine) ResolveLink(ctx context.Context, link string) (string, string) {
	for _, client := range e.Enabled() {
		resolved, err := client.ResolveLink(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.Debug().Err(err).Str("provider", client.GetName()).Msg("Link resolution failed")
			continue
		}
		if resolved == "" || resolved == link {
			continue
		}
		metrics.LinkResolutions.WithLabelValues(client.GetName()).Inc()
		return resolved, client.GetName()
	}
	metrics.LinkResolutions.WithLabelValues("").Inc()
	e.logger.Warn().Str("link", link).Msg("No provider could resolve link, using original")
	return link, ""
}
