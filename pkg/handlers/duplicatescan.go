package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"jobserver/pkg/models"
	"jobserver/pkg/scheduler"
)

// duplicateScanInput is the data payload a duplicate-detection scan job is
// created with; it also backs POST /api/scans/start.
type duplicateScanInput struct {
	RepositoryPath string `json:"repositoryPath"`
}

// duplicateScanOutput reports every group of files sharing identical content.
type duplicateScanOutput struct {
	FilesScanned int        `json:"filesScanned"`
	Duplicates   [][]string `json:"duplicates"`
}

// NewDuplicateScanHandler builds a scheduler.Handler that walks
// repositoryPath and groups files by content hash, surfacing any group with
// more than one member as a duplicate set.
func NewDuplicateScanHandler() scheduler.Handler {
	return func(ctx context.Context, job *models.Job) (models.RawJSON, error) {
		var input duplicateScanInput
		if err := json.Unmarshal(job.Data, &input); err != nil {
			return nil, fmt.Errorf("validation failed: malformed job data: %w", err)
		}
		if input.RepositoryPath == "" {
			return nil, fmt.Errorf("validation failed: repositoryPath is required")
		}

		byHash := make(map[string][]string)
		scanned := 0

		err := filepath.WalkDir(input.RepositoryPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			sum, err := hashFile(path)
			if err != nil {
				return nil // unreadable files are skipped, not fatal to the scan
			}
			byHash[sum] = append(byHash[sum], path)
			scanned++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}

		var dupes [][]string
		for _, paths := range byHash {
			if len(paths) > 1 {
				dupes = append(dupes, paths)
			}
		}

		out, err := json.Marshal(duplicateScanOutput{FilesScanned: scanned, Duplicates: dupes})
		if err != nil {
			return nil, fmt.Errorf("marshal scan output: %w", err)
		}
		return models.RawJSON(out), nil
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
