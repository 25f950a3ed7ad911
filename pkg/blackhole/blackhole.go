package blackhole

import (
	"context"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/metrics"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/internal/utils"
	"github.com/darkiworld/debrid-blackhole/pkg/manager"
	"github.com/fsnotify/fsnotify"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	failedDir = "failed"

	defaultStableInterval = 250 * time.Millisecond
	defaultStableTimeout  = 5 * time.Second
	defaultScanInterval   = time.Minute
	scanConcurrency       = 4
)

// Submitter is where ingested files go; *manager.Manager satisfies it.
type Submitter interface {
	AddTorrent(ctx context.Context, data []byte, opts manager.AddOptions) (string, error)
	AddLink(ctx context.Context, link string, opts manager.AddOptions) (string, error)
}

type Outcome string

const (
	Ingested    Outcome = "ingested"
	Dropped     Outcome = "dropped"
	Quarantined Outcome = "quarantined"
	Skipped     Outcome = "skipped" // already in flight
	Ignored     Outcome = "ignored" // not a descriptor file
)

// IngestionError is a read or submit failure for one dropped file.
type IngestionError struct {
	Path string
	Op   string
	Err  error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, filepath.Base(e.Path), e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

type Blackhole struct {
	path     string
	category string
	notify   bool

	sub     Submitter
	fs      afero.Fs
	logger  zerolog.Logger
	discord *request.Discord

	stableInterval time.Duration
	stableTimeout  time.Duration
	scanInterval   time.Duration

	inflight *xsync.MapOf[string, struct{}]
}

type Option func(*Blackhole)

func WithFs(fs afero.Fs) Option {
	return func(b *Blackhole) {
		b.fs = fs
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Blackhole) {
		b.logger = l
	}
}

func WithDiscord(d *request.Discord) Option {
	return func(b *Blackhole) {
		b.discord = d
	}
}

// WithStability sets how often a file's size is sampled and how long to wait
// for two equal samples.
func WithStability(interval, timeout time.Duration) Option {
	return func(b *Blackhole) {
		b.stableInterval = interval
		b.stableTimeout = timeout
	}
}

func WithScanInterval(d time.Duration) Option {
	return func(b *Blackhole) {
		b.scanInterval = d
	}
}

func New(cfg config.Blackhole, sub Submitter, opts ...Option) *Blackhole {
	b := &Blackhole{
		path:           filepath.Clean(cfg.Path),
		category:       cfg.Category,
		notify:         cfg.UseNotify,
		sub:            sub,
		fs:             afero.NewOsFs(),
		logger:         logger.New("blackhole"),
		stableInterval: defaultStableInterval,
		stableTimeout:  defaultStableTimeout,
		scanInterval:   cfg.GetScanInterval(),
		inflight:       xsync.NewMapOf[string, struct{}](),
	}
	if b.scanInterval <= 0 {
		b.scanInterval = defaultScanInterval
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Blackhole) failedPath() string {
	return filepath.Join(b.path, failedDir)
}

// Start creates the folders and follows the folder until ctx is done, with
// fsnotify when enabled and available, else by rescanning. The watcher is
// registered before the first scan so files dropped meanwhile are not missed.
func (b *Blackhole) Start(ctx context.Context) error {
	if err := b.fs.MkdirAll(b.failedPath(), os.ModePerm); err != nil {
		return fmt.Errorf("creating blackhole folders: %w", err)
	}
	b.logger.Info().Str("path", b.path).Bool("notify", b.notify).Msg("Starting Blackhole")

	if b.notify {
		w, err := b.newWatcher()
		if err == nil {
			return b.watch(ctx, w)
		}
		b.logger.Warn().Err(err).Msg("File notifications unavailable, falling back to scanning")
	}
	b.Scan(ctx)
	return b.poll(ctx)
}

func (b *Blackhole) newWatcher() (*fsnotify.Watcher, error) {
	if _, ok := b.fs.(*afero.OsFs); !ok {
		return nil, errors.New("notifications need the OS filesystem")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(b.path); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (b *Blackhole) watch(ctx context.Context, w *fsnotify.Watcher) error {
	var wg sync.WaitGroup
	defer func() {
		_ = w.Close()
		wg.Wait()
	}()

	// events for files the scan is already ingesting come back as Skipped
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Scan(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Blackhole stopped")
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != b.path || !isCandidate(filepath.Base(event.Name)) {
				continue
			}
			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				_, _ = b.Ingest(ctx, path)
			}(event.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (b *Blackhole) poll(ctx context.Context) error {
	ticker := time.NewTicker(b.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Blackhole stopped")
			return nil
		case <-ticker.C:
			b.Scan(ctx)
		}
	}
}

func isCandidate(name string) bool {
	if utils.IsHidden(name) {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".torrent", ".magnet":
		return true
	default:
		return false
	}
}

// Scan ingests every top-level descriptor file and waits for all of them.
func (b *Blackhole) Scan(ctx context.Context) {
	entries, err := afero.ReadDir(b.fs, b.path)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list blackhole folder")
		return
	}
	var g errgroup.Group
	g.SetLimit(scanConcurrency)
	for _, entry := range entries {
		if entry.IsDir() || !isCandidate(entry.Name()) {
			continue
		}
		path := filepath.Join(b.path, entry.Name())
		g.Go(func() error {
			_, _ = b.Ingest(ctx, path)
			return nil
		})
	}
	_ = g.Wait()
}

// Ingest takes one file from discovery to deletion or quarantine. A path that
// is already being ingested is skipped.
func (b *Blackhole) Ingest(ctx context.Context, path string) (Outcome, error) {
	if !isCandidate(filepath.Base(path)) {
		return Ignored, nil
	}
	if _, loaded := b.inflight.LoadOrStore(path, struct{}{}); loaded {
		return Skipped, nil
	}
	defer b.inflight.Delete(path)

	_log := b.logger.With().Str("file", filepath.Base(path)).Logger()

	size, ok := b.waitStable(ctx, path)
	if !ok {
		_log.Debug().Int64("size", size).Msg("File vanished or stayed empty, dropping")
		metrics.Ingestions.WithLabelValues(string(Dropped)).Inc()
		return Dropped, nil
	}

	id, err := b.submit(ctx, path)
	if err != nil {
		_log.Error().Err(err).Msg("Ingestion failed, moving to failed/")
		b.quarantine(path, err)
		metrics.Ingestions.WithLabelValues(string(Quarantined)).Inc()
		return Quarantined, err
	}

	if err := b.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		_log.Warn().Err(err).Msg("Failed to remove ingested file")
	}
	_log.Info().Str("id", id).Int64("size", size).Msg("File ingested")
	metrics.Ingestions.WithLabelValues(string(Ingested)).Inc()
	return Ingested, nil
}

// waitStable samples the size until two consecutive non-zero samples match.
// At timeout a non-zero size is accepted as is.
func (b *Blackhole) waitStable(ctx context.Context, path string) (int64, bool) {
	deadline := time.Now().Add(b.stableTimeout)
	ticker := time.NewTicker(b.stableInterval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		info, err := b.fs.Stat(path)
		if err != nil {
			return 0, false
		}
		size := info.Size()
		if size > 0 && size == last {
			return size, true
		}
		last = size
		if !time.Now().Before(deadline) {
			return size, size > 0
		}
		select {
		case <-ctx.Done():
			return size, false
		case <-ticker.C:
		}
	}
}

func (b *Blackhole) submit(ctx context.Context, path string) (string, error) {
	opts := manager.AddOptions{Category: b.category, Source: path}

	if strings.EqualFold(filepath.Ext(path), ".magnet") {
		f, err := b.fs.Open(path)
		if err != nil {
			return "", &IngestionError{Path: path, Op: "read", Err: err}
		}
		defer f.Close()
		link, err := utils.ReadMagnet(f)
		if err != nil {
			return "", &IngestionError{Path: path, Op: "read", Err: err}
		}
		id, err := b.sub.AddLink(ctx, link, opts)
		if err != nil {
			return "", &IngestionError{Path: path, Op: "submit", Err: err}
		}
		return id, nil
	}

	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return "", &IngestionError{Path: path, Op: "read", Err: err}
	}
	id, err := b.sub.AddTorrent(ctx, data, opts)
	if err != nil {
		return "", &IngestionError{Path: path, Op: "submit", Err: err}
	}
	return id, nil
}

// quarantine moves path into failed/ under the same name. A failed move is only logged.
func (b *Blackhole) quarantine(path string, cause error) {
	dst := filepath.Join(b.failedPath(), filepath.Base(path))
	if err := b.fs.MkdirAll(b.failedPath(), os.ModePerm); err != nil {
		b.logger.Error().Err(err).Msg("Failed to create failed folder")
		return
	}
	if err := b.fs.Rename(path, dst); err != nil {
		b.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Failed to quarantine file")
		return
	}
	if b.discord != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.discord.Send(ctx, "blackhole_failed", "error", fmt.Sprintf("%s: %v", filepath.Base(path), cause)); err != nil {
				b.logger.Debug().Err(err).Msg("Discord notification failed")
			}
		}()
	}
}
