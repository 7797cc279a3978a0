package util

import (
	"bufio"
	"os"
	"strings"
)

const envLocalFile = ".env.local"

// LoadEnvLocal reads a value from .env.local file by key
// Returns the value if found, empty string otherwise
func LoadEnvLocal(key string) string {
	file, err := os.Open(envLocalFile)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == key {
			return strings.Trim(strings.TrimSpace(value), "\"'")
		}
	}
	return ""
}

// Lookup returns the process environment value for key, then the .env.local
// value, then fallback.
func Lookup(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := LoadEnvLocal(key); v != "" {
		return v
	}
	return fallback
}
