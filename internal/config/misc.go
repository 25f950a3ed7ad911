package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var rateLimitRegex = regexp.MustCompile(`^(\d+)/(minute|second)$`)

// ParseDuration accepts time.ParseDuration syntax plus a whole-day suffix ("3d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (b Blackhole) GetScanInterval() time.Duration {
	return mustDuration(b.ScanInterval, time.Minute)
}

func (m Manager) GetPollInterval() time.Duration {
	return mustDuration(m.PollInterval, 5*time.Second)
}

func (m Manager) GetTimeout() time.Duration {
	return mustDuration(m.Timeout, 30*time.Minute)
}

func (m Manager) GetRetention() time.Duration {
	return mustDuration(m.Retention, 7*24*time.Hour)
}

// GetDebrid returns the entry for name, if configured.
func (c *Config) GetDebrid(name string) (Debrid, bool) {
	for _, d := range c.Debrids {
		if d.Name == name {
			return d, true
		}
	}
	return Debrid{}, false
}
