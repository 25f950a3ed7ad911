// Package torrent reads BitTorrent metainfo well enough to identify it.
//
// Everything works on the raw buffer so the info dictionary can be hashed
// byte for byte. Nothing is decoded into an intermediate tree.
package torrent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"github.com/anacrolix/torrent/metainfo"
	"net/url"
	"strconv"
	"strings"
)

// DirectDownloadMarker is the "created by" value of synthetic descriptors that
// wrap a direct-download URL instead of real torrent content.
const DirectDownloadMarker = "Darkiworld DDL"

type Kind int

const (
	KindRealTorrent Kind = iota
	KindDirectDownload
)

func (k Kind) String() string {
	if k == KindDirectDownload {
		return "direct"
	}
	return "torrent"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "direct":
		*k = KindDirectDownload
	case "torrent":
		*k = KindRealTorrent
	default:
		return fmt.Errorf("unknown descriptor kind %q", b)
	}
	return nil
}

type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Descriptor is the identity of a parsed torrent file. ResolvedLink is set for
// direct downloads, InfoHash for real torrents.
type Descriptor struct {
	Kind         Kind        `json:"kind"`
	Name         string      `json:"name"`
	TotalSize    int64       `json:"total_size"`
	ResolvedLink string      `json:"resolved_link,omitempty"`
	InfoHash     string      `json:"info_hash,omitempty"`
	Files        []FileEntry `json:"files"`
	CreatedBy    string      `json:"created_by,omitempty"`
	Comment      string      `json:"comment,omitempty"`
}

func (d *Descriptor) IsDirectDownload() bool {
	return d.Kind == KindDirectDownload
}

// Magnet builds a magnet URI for a real torrent. It returns "" for direct downloads.
func (d *Descriptor) Magnet() string {
	if d.Kind != KindRealTorrent || d.InfoHash == "" {
		return ""
	}
	var h metainfo.Hash
	if err := h.FromHexString(d.InfoHash); err != nil {
		return ""
	}
	m := metainfo.Magnet{
		InfoHash:    h,
		DisplayName: d.Name,
		Params:      url.Values{},
	}
	if d.TotalSize > 0 {
		m.Params.Set("xl", strconv.FormatInt(d.TotalSize, 10))
	}
	return m.String()
}

// layout holds the name/size/file fields of one dictionary level.
type layout struct {
	name      []byte
	nameUTF8  []byte
	length    int64
	hasLength bool
	files     []FileEntry
	hasFiles  bool
}

func (l *layout) displayName() string {
	if len(l.nameUTF8) > 0 {
		return decode(l.nameUTF8)
	}
	return decode(l.name)
}

func (l *layout) empty() bool {
	return len(l.name) == 0 && len(l.nameUTF8) == 0 && !l.hasLength && !l.hasFiles
}

type metadata struct {
	top       layout
	info      layout
	hasInfo   bool
	infoStart int
	infoEnd   int
	createdBy []byte
	comment   []byte
	urlList   []byte
}

func parse(data []byte) (*metadata, error) {
	if len(data) == 0 {
		return nil, malformed(0, "empty buffer")
	}
	s := &scanner{data: data}
	m := &metadata{}

	_, err := s.dict(0, 0, func(key string, start, end int) error {
		var err error
		switch key {
		case "info":
			m.hasInfo = true
			m.infoStart, m.infoEnd = start, end
			err = s.readLayout(&m.info, start, 1)
		case "created by":
			m.createdBy, err = s.stringAt(start)
		case "comment":
			m.comment, err = s.stringAt(start)
		case "url-list":
			m.urlList, err = s.firstString(start, 1)
		default:
			err = s.layoutField(&m.top, key, start, 1)
		}
		return err
	})
	// Bytes after the top-level dictionary are ignored.
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *scanner) readLayout(l *layout, pos, depth int) error {
	_, err := s.dict(pos, depth, func(key string, start, end int) error {
		return s.layoutField(l, key, start, depth+1)
	})
	return err
}

// layoutField records key if it is a name/size/file field; other keys are ignored.
func (s *scanner) layoutField(l *layout, key string, start, depth int) error {
	var err error
	switch key {
	case "name":
		l.name, err = s.stringAt(start)
	case "name.utf-8":
		l.nameUTF8, err = s.stringAt(start)
	case "length":
		l.length, err = s.intAt(start)
		if err == nil && l.length < 0 {
			return malformed(start, "negative length")
		}
		l.hasLength = err == nil
	case "files":
		l.files, err = s.readFiles(start, depth)
		l.hasFiles = err == nil
	}
	return err
}

func (s *scanner) readFiles(pos, depth int) ([]FileEntry, error) {
	files := make([]FileEntry, 0)
	_, err := s.list(pos, depth, func(start, end int) error {
		f, err := s.readFile(start, depth+1)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	return files, err
}

func (s *scanner) readFile(pos, depth int) (FileEntry, error) {
	var (
		f        FileEntry
		path     []string
		pathUTF8 []string
		sized    bool
	)
	_, err := s.dict(pos, depth, func(key string, start, end int) error {
		var err error
		switch key {
		case "length":
			f.Size, err = s.intAt(start)
			if err == nil && f.Size < 0 {
				return malformed(start, "negative file length")
			}
			sized = err == nil
		case "path":
			path, err = s.readPath(start, depth+1)
		case "path.utf-8":
			pathUTF8, err = s.readPath(start, depth+1)
		}
		return err
	})
	if err != nil {
		return f, err
	}
	if len(pathUTF8) > 0 {
		path = pathUTF8
	}
	if len(path) == 0 {
		return f, malformed(pos, "file entry without path")
	}
	if !sized {
		return f, incomplete(fmt.Sprintf("file %q has no length", strings.Join(path, "/")))
	}
	f.Path = strings.Join(path, "/")
	return f, nil
}

func (s *scanner) readPath(pos, depth int) ([]string, error) {
	var parts []string
	_, err := s.list(pos, depth, func(start, end int) error {
		b, err := s.stringAt(start)
		if err != nil {
			return err
		}
		parts = append(parts, decode(b))
		return nil
	})
	return parts, err
}

// firstString accepts either a single string or a list and returns the first string.
func (s *scanner) firstString(pos, depth int) ([]byte, error) {
	if pos < len(s.data) && s.data[pos] != 'l' {
		return s.stringAt(pos)
	}
	var first []byte
	_, err := s.list(pos, depth, func(start, end int) error {
		if first != nil || s.data[start] < '0' || s.data[start] > '9' {
			return nil
		}
		b, err := s.stringAt(start)
		if err != nil {
			return err
		}
		if len(b) > 0 {
			first = b
		}
		return nil
	})
	return first, err
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// files resolves the effective file list and total size, preferring the info dictionary.
func (m *metadata) files() (string, int64, []FileEntry, error) {
	l := &m.info
	if l.empty() {
		l = &m.top
	}
	name := l.displayName()
	if name == "" {
		return "", 0, nil, incomplete("missing name")
	}

	switch {
	case l.hasFiles:
		var total int64
		for _, f := range l.files {
			total += f.Size
		}
		if len(l.files) == 0 {
			return name, 0, nil, incomplete("empty file list")
		}
		return name, total, l.files, nil
	case l.hasLength:
		return name, l.length, []FileEntry{{Path: name, Size: l.length}}, nil
	default:
		return name, 0, nil, incomplete("missing length")
	}
}

// Analyze classifies data and extracts its identity. It performs no I/O.
func Analyze(data []byte) (*Descriptor, error) {
	m, err := parse(data)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		CreatedBy: decode(m.createdBy),
		Comment:   decode(m.comment),
	}

	if d.CreatedBy == DirectDownloadMarker {
		d.Kind = KindDirectDownload
		d.ResolvedLink = strings.TrimSpace(d.Comment)
		if d.ResolvedLink == "" {
			d.ResolvedLink = strings.TrimSpace(decode(m.urlList))
		}
		if d.ResolvedLink == "" {
			return nil, malformed(-1, "direct download descriptor has no link")
		}
	} else {
		d.Kind = KindRealTorrent
		if !m.hasInfo {
			return nil, incomplete("missing info dictionary")
		}
		sum := sha1.Sum(data[m.infoStart:m.infoEnd])
		d.InfoHash = hex.EncodeToString(sum[:])
	}

	d.Name, d.TotalSize, d.Files, err = m.files()
	if err != nil {
		return nil, err
	}
	if d.TotalSize <= 0 {
		return nil, incomplete("zero total size")
	}
	return d, nil
}

// ExtractFiles returns the file list of data: one entry for single-file
// torrents, one per declared file otherwise.
func ExtractFiles(data []byte) ([]FileEntry, error) {
	m, err := parse(data)
	if err != nil {
		return nil, err
	}
	_, _, files, err := m.files()
	return files, err
}
