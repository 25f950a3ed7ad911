package blackhole

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/pkg/manager"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	root        = "/watch"
	torrentData = "d4:infod6:lengthi100e4:name8:file.mkvee"
	magnetLink  = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Sintel"
)

type fakeSubmitter struct {
	err     error
	started chan struct{}
	release chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	data  [][]byte
	links []string
	opts  []manager.AddOptions
}

func (f *fakeSubmitter) wait(ctx context.Context) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeSubmitter) AddTorrent(ctx context.Context, data []byte, opts manager.AddOptions) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.data = append(f.data, data)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	return "id-torrent", nil
}

func (f *fakeSubmitter) AddLink(ctx context.Context, link string, opts manager.AddOptions) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.links = append(f.links, link)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	return "id-link", nil
}

// growingFs reports a larger size on every Stat, as if a writer never finished.
type growingFs struct {
	afero.Fs
	grow atomic.Int64
}

type sizedInfo struct {
	os.FileInfo
	size int64
}

func (s sizedInfo) Size() int64 { return s.size }

func (g *growingFs) Stat(name string) (os.FileInfo, error) {
	info, err := g.Fs.Stat(name)
	if err != nil {
		return nil, err
	}
	return sizedInfo{FileInfo: info, size: info.Size() + g.grow.Add(1)}, nil
}

func newTestBlackhole(t *testing.T, fs afero.Fs, sub Submitter) *Blackhole {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Join(root, failedDir), os.ModePerm))
	cfg := config.Blackhole{Enabled: true, Path: root, Category: "sonarr"}
	return New(cfg, sub,
		WithFs(fs),
		WithLogger(zerolog.Nop()),
		WithStability(2*time.Millisecond, 50*time.Millisecond),
		WithScanInterval(time.Hour),
	)
}

func writeFile(t *testing.T, fs afero.Fs, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	return path
}

func exists(fs afero.Fs, path string) bool {
	ok, _ := afero.Exists(fs, path)
	return ok
}

func TestIngest_TorrentSubmittedAndRemoved(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "show.torrent", torrentData)

	outcome, err := bh.Ingest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Ingested, outcome)
	assert.False(t, exists(fs, path))

	require.Len(t, sub.data, 1)
	assert.Equal(t, torrentData, string(sub.data[0]))
	assert.Equal(t, "sonarr", sub.opts[0].Category)
	assert.Equal(t, path, sub.opts[0].Source)
}

func TestIngest_MagnetFileUsesFirstLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "Sintel.magnet", "\n  \n"+magnetLink+"\nmagnet:?xt=urn:btih:other\n")

	outcome, err := bh.Ingest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Ingested, outcome)
	assert.Equal(t, []string{magnetLink}, sub.links)
	assert.False(t, exists(fs, path))
}

func TestIngest_GrowingFileStillIngested(t *testing.T) {
	fs := &growingFs{Fs: afero.NewMemMapFs()}
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "busy.torrent", torrentData)

	outcome, err := bh.Ingest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Ingested, outcome)
	assert.EqualValues(t, 1, sub.calls.Load())
	assert.Greater(t, fs.grow.Load(), int64(2))
}

func TestIngest_EmptyFileDropped(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "empty.torrent", "")

	outcome, err := bh.Ingest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Dropped, outcome)
	assert.EqualValues(t, 0, sub.calls.Load())
	assert.True(t, exists(fs, path))
	assert.False(t, exists(fs, filepath.Join(root, failedDir, "empty.torrent")))
}

func TestIngest_VanishedFileDropped(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)

	outcome, err := bh.Ingest(context.Background(), filepath.Join(root, "gone.torrent"))
	require.NoError(t, err)
	assert.Equal(t, Dropped, outcome)
	assert.EqualValues(t, 0, sub.calls.Load())
}

func TestIngest_FailureQuarantines(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{err: errors.New("torrent is malformed")}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "bad.torrent", "not bencode")

	outcome, err := bh.Ingest(context.Background(), path)
	assert.Equal(t, Quarantined, outcome)
	var ierr *IngestionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "submit", ierr.Op)
	assert.Contains(t, err.Error(), "malformed")

	assert.False(t, exists(fs, path))
	moved, err := afero.ReadFile(fs, filepath.Join(root, failedDir, "bad.torrent"))
	require.NoError(t, err)
	assert.Equal(t, "not bencode", string(moved))
}

func TestIngest_EmptyMagnetQuarantinedWithoutSubmit(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "blank.magnet", "\n\n   \n")

	outcome, err := bh.Ingest(context.Background(), path)
	assert.Equal(t, Quarantined, outcome)
	var ierr *IngestionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "read", ierr.Op)
	assert.EqualValues(t, 0, sub.calls.Load())
	assert.True(t, exists(fs, filepath.Join(root, failedDir, "blank.magnet")))
}

func TestIngest_OverlappingCallsSubmitOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	bh := newTestBlackhole(t, fs, sub)
	path := writeFile(t, fs, "dup.torrent", torrentData)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := bh.Ingest(context.Background(), path)
		done <- outcome
	}()

	select {
	case <-sub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first ingestion never reached the submitter")
	}

	for range 3 {
		outcome, err := bh.Ingest(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, Skipped, outcome)
	}

	close(sub.release)
	select {
	case outcome := <-done:
		assert.Equal(t, Ingested, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("first ingestion never finished")
	}
	assert.EqualValues(t, 1, sub.calls.Load())
}

func TestIngest_IgnoresOtherFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)

	for _, name := range []string{".hidden.torrent", "notes.txt", "partial.torrent~"} {
		path := writeFile(t, fs, name, torrentData)
		outcome, err := bh.Ingest(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, Ignored, outcome, name)
		assert.True(t, exists(fs, path), name)
	}
	assert.EqualValues(t, 0, sub.calls.Load())
}

func TestScan_ProcessesTopLevelCandidates(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := newTestBlackhole(t, fs, sub)

	writeFile(t, fs, "a.torrent", torrentData)
	writeFile(t, fs, "B.MAGNET", magnetLink)
	writeFile(t, fs, "readme.txt", "ignored")
	writeFile(t, fs, ".c.torrent", torrentData)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, failedDir, "old.torrent"), []byte(torrentData), 0o644))

	bh.Scan(context.Background())

	assert.EqualValues(t, 2, sub.calls.Load())
	assert.Equal(t, []string{magnetLink}, sub.links)
	assert.False(t, exists(fs, filepath.Join(root, "a.torrent")))
	assert.False(t, exists(fs, filepath.Join(root, "B.MAGNET")))
	assert.True(t, exists(fs, filepath.Join(root, "readme.txt")))
	assert.True(t, exists(fs, filepath.Join(root, failedDir, "old.torrent")))
}

func TestStart_ScansThenStopsOnCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	sub := &fakeSubmitter{}
	bh := New(config.Blackhole{Enabled: true, Path: root, UseNotify: true}, sub,
		WithFs(fs),
		WithLogger(zerolog.Nop()),
		WithStability(time.Millisecond, 20*time.Millisecond),
		WithScanInterval(5*time.Millisecond),
	)
	require.NoError(t, fs.MkdirAll(root, os.ModePerm))
	writeFile(t, fs, "first.torrent", torrentData)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bh.Start(ctx) }()

	// notifications are unavailable on a memory filesystem, so new files are
	// picked up by rescanning
	require.Eventually(t, func() bool { return sub.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, exists(fs, filepath.Join(root, failedDir)))

	writeFile(t, fs, "second.torrent", torrentData)
	require.Eventually(t, func() bool { return sub.calls.Load() == 2 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_NotifyOnDisk(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{started: make(chan struct{}, 4), release: make(chan struct{})}
	bh := New(config.Blackhole{Enabled: true, Path: dir, UseNotify: true}, sub,
		WithFs(afero.NewOsFs()),
		WithLogger(zerolog.Nop()),
		WithStability(5*time.Millisecond, 200*time.Millisecond),
		WithScanInterval(time.Hour),
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first.torrent"), []byte(torrentData), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bh.Start(ctx) }()

	// the startup scan is blocked inside the submitter; files dropped now
	// must still arrive through the watcher
	select {
	case <-sub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("startup scan never reached the submitter")
	}
	second := filepath.Join(dir, "second.torrent")
	quarantined := filepath.Join(dir, failedDir, "old.torrent")
	hidden := filepath.Join(dir, ".partial.torrent")
	require.NoError(t, os.WriteFile(second, []byte(torrentData), 0o644))
	require.NoError(t, os.WriteFile(quarantined, []byte(torrentData), 0o644))
	require.NoError(t, os.WriteFile(hidden, []byte(torrentData), 0o644))

	require.Eventually(t, func() bool { return sub.calls.Load() == 2 }, 2*time.Second, time.Millisecond)
	close(sub.release)

	fs := afero.NewOsFs()
	require.Eventually(t, func() bool {
		return !exists(fs, second) && !exists(fs, filepath.Join(dir, "first.torrent"))
	}, 2*time.Second, time.Millisecond)
	assert.True(t, exists(fs, quarantined))
	assert.True(t, exists(fs, hidden))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.EqualValues(t, 2, sub.calls.Load())
}
