package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/metrics"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/internal/utils"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/debrid"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/darkiworld/debrid-blackhole/pkg/torrent"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"net/url"
	"path"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("download not found")
	ErrInvalidLink = errors.New("invalid link")
)

// Orchestrator is the part of *debrid.Engine the manager drives.
type Orchestrator interface {
	Process(ctx context.Context, upload debrid.Upload, onUpdate debrid.UpdateFunc, timeout, pollInterval time.Duration) (*debrid.Result, error)
	ResolveLink(ctx context.Context, link string) (string, string)
}

type Manager struct {
	engine       Orchestrator
	storage      *Storage
	logger       zerolog.Logger
	discord      *request.Discord
	timeout      time.Duration
	pollInterval time.Duration

	hooksMu sync.RWMutex
	hooks   []Hook

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	running *xsync.MapOf[string, *run]
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Manager)

func WithStorage(s *Storage) Option {
	return func(m *Manager) {
		m.storage = s
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = d
	}
}

func WithDiscord(d *request.Discord) Option {
	return func(m *Manager) {
		m.discord = d
	}
}

func New(engine Orchestrator, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:       engine,
		logger:       logger.New("manager"),
		timeout:      debrid.DefaultTimeout,
		pollInterval: debrid.DefaultPollInterval,
		subs:         make(map[int]*subscriber),
		running:      xsync.NewMapOf[string, *run](),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.storage == nil {
		m.storage = NewStorage(nil, "")
	}
	m.refreshGauge()
	return m
}

// AddTorrent analyzes data and registers the download. Direct-download
// descriptors resolve synchronously and come back Ready. Real torrents are
// keyed by info hash: a repeat of a known, non-failed hash returns the
// existing id without contacting any provider.
func (m *Manager) AddTorrent(ctx context.Context, data []byte, opts AddOptions) (string, error) {
	desc, err := torrent.Analyze(data)
	if err != nil {
		return "", fmt.Errorf("analyzing torrent: %w", err)
	}
	if desc.IsDirectDownload() {
		d := m.newDownload(uuid.NewString(), desc.Name, opts)
		d.Kind = torrent.KindDirectDownload
		d.Descriptor = desc
		d.Source = cmp.Or(opts.Source, desc.ResolvedLink)
		return m.addDirect(ctx, d, desc.ResolvedLink, desc.TotalSize)
	}

	d := m.newDownload(desc.InfoHash, desc.Name, opts)
	d.Hash = desc.InfoHash
	d.Size = desc.TotalSize
	d.Descriptor = desc
	filename := desc.Name + ".torrent"
	if opts.Source != "" {
		filename = path.Base(opts.Source)
	}
	return m.submit(d, debrid.Upload{Data: data, Filename: filename}), nil
}

// AddLink accepts a magnet URI, handled like a torrent keyed by its btih, or
// an http(s) link that is unrestricted right away.
func (m *Manager) AddLink(ctx context.Context, link string, opts AddOptions) (string, error) {
	if utils.IsMagnet(link) {
		magnet, err := utils.ParseMagnet(link)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidLink, err)
		}
		d := m.newDownload(magnet.InfoHash, cmp.Or(magnet.Name, magnet.InfoHash), opts)
		d.Hash = magnet.InfoHash
		d.Source = cmp.Or(opts.Source, magnet.Link)
		return m.submit(d, debrid.Upload{Magnet: magnet.Link, Filename: d.Name}), nil
	}

	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLink, link)
	}
	d := m.newDownload(uuid.NewString(), utils.FilenameFromURL(link), opts)
	d.Kind = torrent.KindDirectDownload
	d.Source = cmp.Or(opts.Source, link)
	return m.addDirect(ctx, d, link, 0)
}

func (m *Manager) newDownload(id, name string, opts AddOptions) *Download {
	now := time.Now()
	return &Download{
		ID:          id,
		Name:        name,
		Kind:        torrent.KindRealTorrent,
		Source:      opts.Source,
		Category:    opts.Category,
		StartPaused: opts.StartPaused,
		State:       types.StateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (m *Manager) addDirect(ctx context.Context, d *Download, link string, size int64) (string, error) {
	resolved, provider := m.engine.ResolveLink(ctx, link)
	d.State = types.StateReady
	d.Progress = 100
	d.Size = size
	d.Provider = provider
	d.Files = []types.File{{
		DownloadURL: resolved,
		Filename:    d.Name,
		Path:        d.Name,
		Size:        size,
	}}
	stored, _ := m.storage.Register(d)
	m.logger.Info().Str("id", d.ID).Str("name", d.Name).Str("provider", provider).Msg("Direct download ready")
	m.emit(stored)
	return stored.ID, nil
}

func (m *Manager) submit(d *Download, upload debrid.Upload) string {
	stored, added := m.storage.Register(d)
	if !added {
		m.logger.Debug().Str("id", stored.ID).Str("state", string(stored.State)).Msg("Download already registered")
		return stored.ID
	}
	m.logger.Info().Str("id", d.ID).Str("name", d.Name).Msg("Download queued")
	m.emit(stored)

	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{cancel: cancel}
	m.running.Store(d.ID, r)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(d.ID, r)
		defer cancel()
		m.process(ctx, d.ID, upload)
	}()
	return d.ID
}

// run is one processing goroutine. A retried download gets a new one.
type run struct {
	cancel context.CancelFunc
}

func (m *Manager) forget(id string, r *run) {
	m.running.Compute(id, func(current *run, loaded bool) (*run, bool) {
		return current, !loaded || current == r
	})
}

// process owns the download until it is terminal; it is the only writer for id.
func (m *Manager) process(ctx context.Context, id string, upload debrid.Upload) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("id", id).Msg("Recovered from panic while processing")
			m.fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	onUpdate := func(session *types.Session, provider string) {
		updated := m.storage.Update(id, func(d *Download) {
			m.applySession(d, session, provider)
		})
		if updated != nil {
			m.emit(updated)
		}
	}

	result, err := m.engine.Process(ctx, upload, onUpdate, m.timeout, m.pollInterval)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Info().Str("id", id).Msg("Processing stopped")
			return
		}
		m.fail(id, failureMessage(err))
		return
	}

	done := m.storage.Update(id, func(d *Download) {
		var known []torrent.FileEntry
		if d.Descriptor != nil {
			known = d.Descriptor.Files
		}
		d.State = types.StateReady
		d.Progress = 100
		d.Provider = result.Provider
		d.RemoteID = result.RemoteID
		d.Size = cmp.Or(result.TotalSize, d.Size)
		d.Files = mergeFiles(known, result.Files)
		d.Error = ""
		d.Session = nil
	})
	if done == nil {
		return
	}
	m.logger.Info().Str("id", id).Str("provider", done.Provider).Int("files", len(done.Files)).Msg("Download ready")
	m.emit(done)
	m.notify("download_complete", "success", fmt.Sprintf("%s is ready on %s", done.Name, done.Provider))
}

// applySession mirrors a live provider session. Failover between providers
// keeps the item non-terminal until the orchestrator gives up.
func (m *Manager) applySession(d *Download, session *types.Session, provider string) {
	if d.Provider != provider {
		d.Progress = 0
	}
	d.Provider = provider
	d.RemoteID = session.RemoteID
	d.Session = session
	if session.TotalSize > 0 {
		d.Size = session.TotalSize
	}
	switch session.State {
	case types.StateQueued:
		d.State = types.StateQueued
		d.Progress = 0
	case types.StateDownloading, types.StateReady:
		d.State = types.StateDownloading
		d.Progress = max(d.Progress, session.Progress)
	}
}

func (m *Manager) fail(id, message string) {
	failed := m.storage.Update(id, func(d *Download) {
		d.State = types.StateError
		d.Error = message
		d.Progress = 0
		d.Files = nil
		d.Session = nil
	})
	if failed == nil {
		return
	}
	m.logger.Error().Str("id", id).Str("error", message).Msg("Download failed")
	m.emit(failed)
	m.notify("download_failed", "error", fmt.Sprintf("%s: %s", failed.Name, message))
}

// failureMessage prefers the last provider's own error over the wrapping.
func failureMessage(err error) string {
	var perr *types.ProviderError
	if errors.As(err, &perr) {
		return perr.Error()
	}
	return err.Error()
}

// mergeFiles recovers the torrent's own relative paths when the provider
// returned exactly one file per known entry, in the same order.
func mergeFiles(known []torrent.FileEntry, provided []types.File) []types.File {
	if len(known) == 0 || len(known) != len(provided) {
		return provided
	}
	merged := make([]types.File, len(provided))
	for i, f := range provided {
		f.Path = known[i].Path
		f.Filename = path.Base(known[i].Path)
		if f.Size <= 0 {
			f.Size = known[i].Size
		}
		merged[i] = f
	}
	return merged
}

func (m *Manager) notify(event, status, message string) {
	if m.discord == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 10*time.Second)
		defer cancel()
		if err := m.discord.Send(ctx, event, status, message); err != nil {
			m.logger.Debug().Err(err).Msg("Discord notification failed")
		}
	}()
}

func (m *Manager) GetStatus(id string) (*Download, error) {
	d := m.storage.Get(id)
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *Manager) List(category string) []*Download {
	return m.storage.GetAll(category)
}

// OnUpdate registers a hook called synchronously after every state change.
func (m *Manager) OnUpdate(hook Hook) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hooksMu.Unlock()
}

// Prune forgets terminal downloads not updated within olderThan.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := m.storage.DeleteWhere(func(d *Download) bool {
		if !d.IsTerminal() || !d.UpdatedAt.Before(cutoff) {
			return false
		}
		_, running := m.running.Load(d.ID)
		return !running
	})
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("Pruned old downloads")
		m.refreshGauge()
	}
	return removed
}

func (m *Manager) Save() error {
	return m.storage.Save()
}

// Close stops in-flight processing, waits for it and saves the table.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return m.Save()
}

func (m *Manager) refreshGauge() {
	counts := m.storage.CountByState()
	for _, s := range []types.State{types.StateQueued, types.StateDownloading, types.StateReady, types.StateError} {
		metrics.Downloads.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
