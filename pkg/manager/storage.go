package manager

import (
	"cmp"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const interruptedMessage = "interrupted by restart"

// Storage is the download table: a map guarded by one RWMutex plus the
// insertion order, persisted as JSON.
type Storage struct {
	fs        afero.Fs
	filename  string
	downloads map[string]*Download
	order     []string
	mu        sync.RWMutex
	saveMu    sync.Mutex
}

func loadDownloadsFromJSON(fs afero.Fs, filename string) (map[string]*Download, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, err
	}
	downloads := make(map[string]*Download)
	if err := json.Unmarshal(data, &downloads); err != nil {
		return nil, err
	}
	return downloads, nil
}

// NewStorage loads filename when it exists. Items that were still in flight
// when the file was written are marked failed; their sessions are gone.
func NewStorage(fs afero.Fs, filename string) *Storage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	downloads := make(map[string]*Download)
	if filename != "" {
		if loaded, err := loadDownloadsFromJSON(fs, filename); err == nil {
			downloads = loaded
		}
	}
	order := make([]string, 0, len(downloads))
	for id, d := range downloads {
		if d == nil {
			delete(downloads, id)
			continue
		}
		d.ID = id
		if !d.IsTerminal() {
			d.State = types.StateError
			d.Error = interruptedMessage
			d.Progress = 0
		}
		order = append(order, id)
	}
	slices.SortFunc(order, func(a, b string) int {
		return cmp.Or(downloads[a].CreatedAt.Compare(downloads[b].CreatedAt), cmp.Compare(a, b))
	})
	return &Storage{
		fs:        fs,
		filename:  filename,
		downloads: downloads,
		order:     order,
	}
}

// Register stores d unless an entry with the same ID exists that has not
// failed. It returns the entry that ends up stored and whether d was added.
func (s *Storage) Register(d *Download) (*Download, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.downloads[d.ID]; ok {
		if existing.State != types.StateError {
			return existing.clone(), false
		}
		s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == d.ID })
	}
	s.downloads[d.ID] = d
	s.order = append(s.order, d.ID)
	return d.clone(), true
}

func (s *Storage) Get(id string) *Download {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.downloads[id]
	if !ok {
		return nil
	}
	return d.clone()
}

// GetAll returns copies in insertion order, optionally filtered by category.
func (s *Storage) GetAll(category string) []*Download {
	s.mu.RLock()
	defer s.mu.RUnlock()
	downloads := make([]*Download, 0, len(s.order))
	for _, id := range s.order {
		d := s.downloads[id]
		if category != "" && d.Category != category {
			continue
		}
		downloads = append(downloads, d.clone())
	}
	return downloads
}

// Update applies fn under the write lock and returns a copy of the result.
func (s *Storage) Update(id string, fn func(d *Download)) *Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.downloads[id]
	if !ok {
		return nil
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return d.clone()
}

func (s *Storage) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.downloads[id]; !exists {
		return
	}
	delete(s.downloads, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

// DeleteWhere removes every download matching fn and returns how many went.
func (s *Storage) DeleteWhere(fn func(d *Download) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, d := range s.downloads {
		if fn(d) {
			delete(s.downloads, id)
			removed++
		}
	}
	if removed > 0 {
		s.order = slices.DeleteFunc(s.order, func(id string) bool {
			_, ok := s.downloads[id]
			return !ok
		})
	}
	return removed
}

func (s *Storage) CountByState() map[types.State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[types.State]int, 4)
	for _, d := range s.downloads {
		counts[d.State]++
	}
	return counts
}

func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.downloads)
}

// Save writes the table atomically through a temp file.
func (s *Storage) Save() error {
	if s.filename == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.RLock()
	data, err := json.Marshal(s.downloads)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.filename), os.ModePerm); err != nil {
		return err
	}
	tmp := s.filename + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.filename)
}
