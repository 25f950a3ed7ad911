package logger

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestSetupCreatesLogsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Setup(dir, "debug"))
	t.Cleanup(func() {
		mu.Lock()
		rotating, logsDir, logLevel = nil, "", "info"
		mu.Unlock()
	})

	assert.DirExists(t, filepath.Join(dir, "logs"))
	l := New("test")
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())
	l.Info().Msg("hello")
	assert.FileExists(t, filepath.Join(dir, "logs", "decypharr.log"))
}
