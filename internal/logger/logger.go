package logger

import (
	"fmt"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	once     sync.Once
	logger   zerolog.Logger
	mu       sync.RWMutex
	logsDir  string
	logLevel = "info"
	rotating *lumberjack.Logger
)

// Setup points every logger created afterwards at <dataDir>/logs and sets the level.
// Loggers created before Setup write to stdout only.
func Setup(dataDir, level string) error {
	dir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	logsDir = dir
	if level != "" {
		logLevel = level
	}
	rotating = &lumberjack.Logger{
		Filename: filepath.Join(logsDir, "decypharr.log"),
		MaxSize:  10,
		MaxAge:   15,
		Compress: true,
	}
	return nil
}

func writer(prefix string, out io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    noColor,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("[%s] %v", prefix, i)
		},
	}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a component logger tagged with prefix.
func New(prefix string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	writers := []io.Writer{writer(prefix, os.Stdout, false)}
	if rotating != nil {
		writers = append(writers, writer(prefix, rotating, true))
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger().
		Level(parseLevel(logLevel))
}

func Default() zerolog.Logger {
	once.Do(func() {
		logger = New("decypharr")
	})
	return logger
}
