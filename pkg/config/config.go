package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses the environment variable key with parse. Unset or blank
// variables yield fallback; unparsable ones are reported and yield fallback.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, raw, err)
		return fallback
	}
	return v
}

// GetString returns the variable verbatim, including an explicitly empty
// value.
func GetString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func GetInt(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

func GetInt64(key string, fallback int64) int64 {
	return lookup(key, fallback, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func GetBool(key string, fallback bool) bool {
	return lookup(key, fallback, strconv.ParseBool)
}

// GetSeconds reads a duration. A bare integer counts seconds; anything else
// must be a time.ParseDuration string such as "90s" or "15m".
func GetSeconds(key string, fallback int) time.Duration {
	return lookup(key, time.Duration(fallback)*time.Second, func(s string) (time.Duration, error) {
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return time.ParseDuration(s)
	})
}
