package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envCachePath  = "KERNELTUNE_CACHE"
	envConfigPath = "KERNELTUNE_CONFIG"
)

// resolveCachePath picks the schedule cache file: the flag, then the
// environment, then the user cache dir.
func resolveCachePath(flag string) (string, error) {
	if p := strings.TrimSpace(flag); p != "" {
		return filepath.Clean(p), nil
	}
	if p := strings.TrimSpace(os.Getenv(envCachePath)); p != "" {
		return filepath.Clean(p), nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("no schedule cache path: set --cache-path or %s: %w", envCachePath, err)
	}
	return filepath.Join(dir, "kerneltune", "schedules.json"), nil
}

// resolvePackOut returns the output prefix for pack, creating its
// directory.
func resolvePackOut(outFlag, name string) (string, error) {
	out := strings.TrimSpace(outFlag)
	if out == "" {
		out = filepath.Join(".", "out", name)
	}
	out = filepath.Clean(out)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, nil
}
