package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darkiworld/debrid-blackhole/pkg/debrid/debrid"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/darkiworld/debrid-blackhole/pkg/torrent"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	multiFile = "d8:announce31:http://tracker.example/announce4:infod5:filesld6:lengthi100e4:pathl3:dir5:a.mkveed6:lengthi250e4:pathl5:b.srte8:x-vendord6:nestedli1eli2ed1:k1:veeeeee4:name4:Show12:piece lengthi16384e6:pieces20:BBBBBBBBBBBBBBBBBBBBee"
	multiHash = "6298cfb3a4926ef536414a7353bc2c47fd228019"

	directFile = "d7:comment23:https://hoster/file.mkv10:created by14:Darkiworld DDL4:infod6:lengthi100e4:name8:file.mkvee"

	magnetLink = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Sintel"
)

type processFunc func(ctx context.Context, upload debrid.Upload, onUpdate debrid.UpdateFunc) (*debrid.Result, error)

type fakeOrchestrator struct {
	process  processFunc
	resolve  func(link string) (string, string)
	calls    atomic.Int32
	resolves atomic.Int32

	mu      sync.Mutex
	uploads []debrid.Upload
}

func (f *fakeOrchestrator) Process(ctx context.Context, upload debrid.Upload, onUpdate debrid.UpdateFunc, _, _ time.Duration) (*debrid.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.uploads = append(f.uploads, upload)
	f.mu.Unlock()
	return f.process(ctx, upload, onUpdate)
}

func (f *fakeOrchestrator) ResolveLink(_ context.Context, link string) (string, string) {
	f.resolves.Add(1)
	if f.resolve == nil {
		return link, ""
	}
	return f.resolve(link)
}

func readyAfter(release <-chan struct{}, files ...types.File) processFunc {
	return func(ctx context.Context, _ debrid.Upload, onUpdate debrid.UpdateFunc) (*debrid.Result, error) {
		onUpdate(&types.Session{Provider: "torbox", RemoteID: "1", State: types.StateDownloading, Progress: 40}, "torbox")
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &debrid.Result{Provider: "torbox", RemoteID: "1", Files: files, TotalSize: 350}, nil
	}
}

func newTestManager(t *testing.T, orch Orchestrator, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithPollInterval(time.Millisecond)}, opts...)
	m := New(orch, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitForState(t *testing.T, m *Manager, id string, state types.State) *Download {
	t.Helper()
	var d *Download
	require.Eventually(t, func() bool {
		var err error
		d, err = m.GetStatus(id)
		return err == nil && d.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return d
}

func TestAddTorrent_DuplicateSubmitsOnce(t *testing.T) {
	release := make(chan struct{})
	orch := &fakeOrchestrator{process: readyAfter(release,
		types.File{DownloadURL: "https://cdn/1", Filename: "a.mkv", Path: "a.mkv", Size: 100},
		types.File{DownloadURL: "https://cdn/2", Filename: "b.srt", Path: "b.srt", Size: 250},
	)}
	m := newTestManager(t, orch)

	first, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{Category: "sonarr"})
	require.NoError(t, err)
	second, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{Category: "sonarr"})
	require.NoError(t, err)

	assert.Equal(t, multiHash, first)
	assert.Equal(t, first, second)

	close(release)
	d := waitForState(t, m, first, types.StateReady)
	assert.EqualValues(t, 1, orch.calls.Load())
	assert.Equal(t, "torbox", d.Provider)
	assert.Equal(t, 100.0, d.Progress)
	require.Len(t, d.Files, 2)
	assert.Equal(t, "dir/a.mkv", d.Files[0].Path)
	assert.Equal(t, "a.mkv", d.Files[0].Filename)
	assert.Equal(t, "https://cdn/2", d.Files[1].DownloadURL)
	assert.Equal(t, "sonarr", d.Category)
	assert.Nil(t, d.Session)
}

func TestAddTorrent_ConcurrentDuplicates(t *testing.T) {
	release := make(chan struct{})
	orch := &fakeOrchestrator{process: readyAfter(release)}
	m := newTestManager(t, orch)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], _ = m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{})
		}()
	}
	wg.Wait()
	close(release)
	for _, id := range ids {
		assert.Equal(t, multiHash, id)
	}
	waitForState(t, m, multiHash, types.StateReady)
	assert.EqualValues(t, 1, orch.calls.Load())
}

func TestAddTorrent_DirectDownload(t *testing.T) {
	orch := &fakeOrchestrator{
		process: func(context.Context, debrid.Upload, debrid.UpdateFunc) (*debrid.Result, error) {
			t.Error("direct downloads must not be processed as torrents")
			return nil, errors.New("unexpected")
		},
		resolve: func(link string) (string, string) {
			assert.Equal(t, "https://hoster/file.mkv", link)
			return "https://cdn/file.mkv", "alldebrid"
		},
	}
	m := newTestManager(t, orch)

	id, err := m.AddTorrent(context.Background(), []byte(directFile), AddOptions{})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	d, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, d.State)
	assert.Equal(t, torrent.KindDirectDownload, d.Kind)
	assert.Equal(t, "alldebrid", d.Provider)
	require.Len(t, d.Files, 1)
	assert.Equal(t, types.File{DownloadURL: "https://cdn/file.mkv", Filename: "file.mkv", Path: "file.mkv", Size: 100}, d.Files[0])
	assert.EqualValues(t, 0, orch.calls.Load())
}

func TestAddTorrent_AnalysisErrors(t *testing.T) {
	m := newTestManager(t, &fakeOrchestrator{})

	_, err := m.AddTorrent(context.Background(), []byte("d4:info"), AddOptions{})
	assert.ErrorIs(t, err, torrent.ErrMalformed)

	_, err = m.AddTorrent(context.Background(), []byte("d4:infod4:name1:xee"), AddOptions{})
	assert.ErrorIs(t, err, torrent.ErrIncomplete)

	assert.Empty(t, m.List(""))
}

func TestProcessFailure_KeepsLastMessageAndAllowsRetry(t *testing.T) {
	var attempt atomic.Int32
	orch := &fakeOrchestrator{process: func(ctx context.Context, _ debrid.Upload, _ debrid.UpdateFunc) (*debrid.Result, error) {
		if attempt.Add(1) == 1 {
			last := types.NewError("torbox", types.RemoteRejected, "stalled (no seeds)")
			return nil, errors.Join(debrid.ErrAllProvidersFailed, last)
		}
		return &debrid.Result{Provider: "realdebrid", RemoteID: "R"}, nil
	}}
	m := newTestManager(t, orch)

	id, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{})
	require.NoError(t, err)
	d := waitForState(t, m, id, types.StateError)
	assert.Equal(t, "torbox: remote rejected: stalled (no seeds)", d.Error)
	assert.Empty(t, d.Files)

	again, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	d = waitForState(t, m, id, types.StateReady)
	assert.Equal(t, "realdebrid", d.Provider)
	assert.Empty(t, d.Error)
	assert.EqualValues(t, 2, orch.calls.Load())
}

func TestAddLink(t *testing.T) {
	release := make(chan struct{})
	close(release)
	orch := &fakeOrchestrator{
		process: readyAfter(release, types.File{DownloadURL: "https://cdn/sintel.mkv", Filename: "sintel.mkv", Path: "sintel.mkv"}),
		resolve: func(link string) (string, string) { return link + "?direct", "realdebrid" },
	}
	m := newTestManager(t, orch)

	id, err := m.AddLink(context.Background(), magnetLink, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", id)
	d := waitForState(t, m, id, types.StateReady)
	assert.Equal(t, "Sintel", d.Name)
	require.Len(t, d.Files, 1)
	assert.Equal(t, "sintel.mkv", d.Files[0].Filename)

	orch.mu.Lock()
	assert.Equal(t, magnetLink, orch.uploads[0].Magnet)
	orch.mu.Unlock()

	id, err = m.AddLink(context.Background(), "https://1fichier.com/dl/My%20Movie.mkv", AddOptions{Category: "radarr"})
	require.NoError(t, err)
	d, err = m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, d.State)
	assert.Equal(t, "My Movie.mkv", d.Name)
	assert.Equal(t, "https://1fichier.com/dl/My%20Movie.mkv?direct", d.Files[0].DownloadURL)

	_, err = m.AddLink(context.Background(), "ftp://example.com/x", AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidLink)
	_, err = m.AddLink(context.Background(), "magnet:?dn=nohash", AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestGetStatus_NotFound(t *testing.T) {
	m := newTestManager(t, &fakeOrchestrator{})
	_, err := m.GetStatus("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribe_TerminalNeverDropped(t *testing.T) {
	orch := &fakeOrchestrator{process: func(ctx context.Context, _ debrid.Upload, onUpdate debrid.UpdateFunc) (*debrid.Result, error) {
		for i := 0; i < 50; i++ {
			onUpdate(&types.Session{RemoteID: "1", State: types.StateDownloading, Progress: float64(i)}, "torbox")
		}
		return &debrid.Result{Provider: "torbox", RemoteID: "1"}, nil
	}}
	m := newTestManager(t, orch)
	events, cancel := m.Subscribe(1)
	defer cancel()

	id, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{})
	require.NoError(t, err)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			assert.Equal(t, id, ev.Download.ID)
			if ev.Terminal {
				assert.Equal(t, types.StateReady, ev.Download.State)
				return
			}
			time.Sleep(2 * time.Millisecond)
		case <-timeout:
			t.Fatal("terminal event not delivered")
		}
	}
}

func TestOnUpdate_OrderedPerDownload(t *testing.T) {
	orch := &fakeOrchestrator{process: func(ctx context.Context, _ debrid.Upload, onUpdate debrid.UpdateFunc) (*debrid.Result, error) {
		onUpdate(&types.Session{RemoteID: "1", State: types.StateQueued}, "torbox")
		onUpdate(&types.Session{RemoteID: "1", State: types.StateDownloading, Progress: 30}, "torbox")
		onUpdate(&types.Session{RemoteID: "1", State: types.StateDownloading, Progress: 20}, "torbox")
		return &debrid.Result{Provider: "torbox", RemoteID: "1"}, nil
	}}
	m := newTestManager(t, orch)

	var mu sync.Mutex
	var seen []string
	var progress []float64
	m.OnUpdate(func(d Download) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(d.State))
		progress = append(progress, d.Progress)
	})

	id, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{})
	require.NoError(t, err)
	waitForState(t, m, id, types.StateReady)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"queued", "queued", "downloading", "downloading", "ready"}, seen)
	assert.Equal(t, []float64{0, 0, 30, 30, 100}, progress)
}

func TestMergeFiles(t *testing.T) {
	known := []torrent.FileEntry{{Path: "dir/a.mkv", Size: 100}, {Path: "b.srt", Size: 250}}
	provided := []types.File{
		{DownloadURL: "u1", Filename: "x1", Path: "x1"},
		{DownloadURL: "u2", Filename: "x2", Path: "x2", Size: 251},
	}
	merged := mergeFiles(known, provided)
	assert.Equal(t, []types.File{
		{DownloadURL: "u1", Filename: "a.mkv", Path: "dir/a.mkv", Size: 100},
		{DownloadURL: "u2", Filename: "b.srt", Path: "b.srt", Size: 251},
	}, merged)
	assert.Equal(t, "x1", provided[0].Filename)

	mismatch := mergeFiles(known, provided[:1])
	assert.Equal(t, provided[:1], mismatch)
}

func TestStorage_PersistsAndMarksInterrupted(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStorage(fs, "/data/downloads.json")
	now := time.Now()
	s.Register(&Download{ID: "b", Name: "B", State: types.StateDownloading, Progress: 50, CreatedAt: now.Add(time.Second)})
	s.Register(&Download{ID: "a", Name: "A", State: types.StateReady, Progress: 100, CreatedAt: now,
		Files: []types.File{{DownloadURL: "u", Filename: "f", Path: "f"}}, Session: &types.Session{RemoteID: "x"}})
	require.NoError(t, s.Save())

	reloaded := NewStorage(fs, "/data/downloads.json")
	all := reloaded.GetAll("")
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, types.StateReady, all[0].State)
	assert.Nil(t, all[0].Session)
	assert.Equal(t, types.StateError, all[1].State)
	assert.Equal(t, interruptedMessage, all[1].Error)
}

func TestStorage_RegisterReplacesOnlyFailed(t *testing.T) {
	s := NewStorage(afero.NewMemMapFs(), "")
	_, added := s.Register(&Download{ID: "h", State: types.StateQueued})
	assert.True(t, added)
	got, added := s.Register(&Download{ID: "h", State: types.StateQueued, Name: "second"})
	assert.False(t, added)
	assert.Empty(t, got.Name)

	s.Update("h", func(d *Download) { d.State = types.StateError })
	got, added = s.Register(&Download{ID: "h", State: types.StateQueued, Name: "third"})
	assert.True(t, added)
	assert.Equal(t, "third", got.Name)
	assert.Equal(t, 1, s.Len())
}

func TestPrune(t *testing.T) {
	s := NewStorage(afero.NewMemMapFs(), "")
	m := newTestManager(t, &fakeOrchestrator{}, WithStorage(s))
	s.Register(&Download{ID: "old", State: types.StateReady})
	s.Register(&Download{ID: "active", State: types.StateDownloading})
	s.Register(&Download{ID: "fresh", State: types.StateError})
	s.mu.Lock()
	s.downloads["old"].UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.downloads["active"].UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.downloads["fresh"].UpdatedAt = time.Now()
	s.mu.Unlock()

	assert.Equal(t, 1, m.Prune(24*time.Hour))
	_, err := m.GetStatus("old")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, m.List(""), 2)
}

func TestClose_StopsProcessing(t *testing.T) {
	fs := afero.NewMemMapFs()
	never := make(chan struct{})
	orch := &fakeOrchestrator{process: readyAfter(never)}
	m := New(orch, WithLogger(zerolog.Nop()), WithStorage(NewStorage(fs, "/data/downloads.json")))

	id, err := m.AddTorrent(context.Background(), []byte(multiFile), AddOptions{})
	require.NoError(t, err)
	waitForState(t, m, id, types.StateDownloading)
	require.NoError(t, m.Close())

	reloaded := NewStorage(fs, "/data/downloads.json")
	d := reloaded.Get(id)
	require.NotNil(t, d)
	assert.Equal(t, types.StateError, d.State)
}
