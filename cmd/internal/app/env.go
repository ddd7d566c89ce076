package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment lookup helpers for the RELAY_* knobs. Every knob is optional: a
// missing or malformed value falls back to the supplied default so a bad
// environment degrades to defaults instead of failing startup.

func envValue(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString returns the trimmed value of key, or def when unset.
func EnvString(key, def string) string {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	return v
}

// EnvBool parses key as a boolean (strconv.ParseBool forms).
func EnvBool(key string, def bool) bool {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt parses key as a positive integer; zero and negatives fall back.
func EnvInt(key string, def int) int {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 parses key as a non-negative int32, sized for pgxpool settings.
func EnvInt32(key string, def int32) int32 {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// EnvDuration parses key in time.ParseDuration notation; non-positive
// durations fall back.
func EnvDuration(key string, def time.Duration) time.Duration {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
