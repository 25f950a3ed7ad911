package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMagnet(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=Ubuntu+ISO")
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", m.InfoHash)
	assert.Equal(t, "Ubuntu ISO", m.Name)

	// base32 form of the same hash
	m, err = ParseMagnet("magnet:?xt=urn:btih:YEX6DQDLXISUVHOJ6UM3GNNKPQJWPKEK")
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", m.InfoHash)

	_, err = ParseMagnet("https://example.com/file.bin")
	assert.Error(t, err)
	_, err = ParseMagnet("")
	assert.Error(t, err)
}

func TestReadMagnet(t *testing.T) {
	link, err := ReadMagnet(strings.NewReader("\n  \nmagnet:?xt=urn:btih:abc\nsecond\n"))
	require.NoError(t, err)
	assert.Equal(t, "magnet:?xt=urn:btih:abc", link)

	_, err = ReadMagnet(strings.NewReader("\n\n"))
	assert.Error(t, err)
}

func TestFilenameFromURL(t *testing.T) {
	assert.Equal(t, "My File.mkv", FilenameFromURL("https://cdn.example.com/dl/abc/My%20File.mkv?token=1"))
	assert.Equal(t, "https://example.com", FilenameFromURL("https://example.com"))
	assert.True(t, IsMagnet("  MAGNET:?xt=urn:btih:abc"))
	assert.True(t, IsHidden(".partial.torrent"))
	assert.False(t, IsHidden("movie.torrent"))
}
