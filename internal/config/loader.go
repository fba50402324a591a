package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader reads environment variables scoped by a common prefix.
type Loader struct {
	Prefix string
}

// NewLoader suffixes prefix with an underscore when missing.
func NewLoader(prefix string) Loader {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return Loader{Prefix: prefix}
}

func (l Loader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(l.Prefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

// String returns the environment variable value or def.
func (l Loader) String(key, def string) string {
	if val, ok := l.lookup(key); ok {
		return val
	}
	return def
}

// Int returns an integer environment variable or def.
func (l Loader) Int(key string, def int) int {
	if val, ok := l.lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// Float returns a float environment variable or def.
func (l Loader) Float(key string, def float64) float64 {
	if val, ok := l.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

// Duration accepts Go duration syntax ("750ms") or plain seconds ("2.5").
func (l Loader) Duration(key string, def time.Duration) time.Duration {
	val, ok := l.lookup(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

// Bool returns a boolean environment variable or def.
func (l Loader) Bool(key string, def bool) bool {
	if val, ok := l.lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}
