// Package config provides environment-based configuration helpers for the
// capture agent binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the capture agent service.
const (
	DefaultPort        = "8090"
	DefaultAnalyzerURL = "ws://localhost:5000/ws/session"
	DefaultAnalyzerAPI = "http://localhost:5000"
)

// AnalyzerURL returns the analyzer websocket URL from ANALYZER_URL.
// Falls back to the local development default if not set.
func AnalyzerURL() string {
	if url := os.Getenv("ANALYZER_URL"); url != "" {
		return url
	}
	return DefaultAnalyzerURL
}

// AnalyzerAPIURL returns the analyzer HTTP base URL from ANALYZER_API_URL.
// Used for the pre-dial health probe.
func AnalyzerAPIURL() string {
	if url := os.Getenv("ANALYZER_API_URL"); url != "" {
		return url
	}
	return DefaultAnalyzerAPI
}

// Port returns the dashboard HTTP port from PORT or the default.
func Port() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return DefaultPort
}

// Env returns the value of key, or def when unset.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer value of key, or def when unset or malformed.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not an integer, using %d\n", key, v, def)
		return def
	}
	return n
}

// EnvDuration returns the duration value of key, or def when unset or malformed.
// Accepts Go duration syntax, e.g. "10s", "500ms".
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not a duration, using %v\n", key, v, def)
		return def
	}
	return d
}
