package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoFallbackCache is returned when both the live fetch and the on-disk
// cache are unavailable.
var ErrNoFallbackCache = errors.New("secrets: no cached secrets available")

// writeCache persists secrets atomically: write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never leaves
// a truncated cache file behind.
func writeCache(path string, secrets map[string]string) error {
	if path == "" {
		return nil
	}
	b, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("secrets: marshal cache: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".secrets-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("secrets: create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secrets: close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("secrets: rename cache file: %w", err)
	}
	return nil
}

// readCache loads secrets from disk. A missing file is not an error; the
// caller interprets an empty, no-error result as "no cache yet".
func readCache(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("secrets: read cache file: %w", err)
	}
	var out map[string]string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("secrets: decode cache file: %w", err)
	}
	return out, nil
}
