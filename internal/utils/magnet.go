package utils

import (
	"bufio"
	"fmt"
	"github.com/anacrolix/torrent/metainfo"
	"io"
	"strings"
)

type Magnet struct {
	Name     string
	InfoHash string
	Link     string
}

func IsMagnet(link string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(link)), "magnet:?")
}

// ParseMagnet accepts hex and base32 btih values; InfoHash is always lowercase hex.
func ParseMagnet(link string) (*Magnet, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, fmt.Errorf("empty magnet link")
	}
	m, err := metainfo.ParseMagnetUri(link)
	if err != nil {
		return nil, fmt.Errorf("error parsing magnet link: %w", err)
	}
	return &Magnet{
		Name:     m.DisplayName,
		InfoHash: m.InfoHash.HexString(),
		Link:     link,
	}, nil
}

// ReadMagnet returns the first non-empty line of r.
func ReadMagnet(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no magnet link found")
}
