package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jobserver/pkg/models"
	"jobserver/pkg/scheduler"
)

// gitignoreUpdateInput is the data payload a gitignore-update job is created
// with.
type gitignoreUpdateInput struct {
	RepositoryPath string   `json:"repositoryPath"`
	Patterns       []string `json:"patterns"`
}

// gitignoreUpdateOutput reports which patterns were newly added.
type gitignoreUpdateOutput struct {
	Added []string `json:"added"`
}

var defaultIgnorePatterns = []string{".env", "node_modules/", "*.log", ".DS_Store"}

// NewGitignoreUpdateHandler builds a scheduler.Handler that appends any
// missing patterns (job-supplied, falling back to a standard set) to
// repositoryPath's .gitignore, creating the file if absent. The gitworkflow
// engine commits and opens a PR for the result; this handler only edits the
// file.
func NewGitignoreUpdateHandler() scheduler.Handler {
	return func(ctx context.Context, job *models.Job) (models.RawJSON, error) {
		var input gitignoreUpdateInput
		if err := json.Unmarshal(job.Data, &input); err != nil {
			return nil, fmt.Errorf("validation failed: malformed job data: %w", err)
		}
		if input.RepositoryPath == "" {
			return nil, fmt.Errorf("validation failed: repositoryPath is required")
		}

		patterns := input.Patterns
		if len(patterns) == 0 {
			patterns = defaultIgnorePatterns
		}

		path := filepath.Join(input.RepositoryPath, ".gitignore")
		existing, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read .gitignore: %w", err)
		}

		lines := strings.Split(string(existing), "\n")
		present := make(map[string]bool, len(lines))
		for _, l := range lines {
			present[strings.TrimSpace(l)] = true
		}

		var added []string
		content := string(existing)
		for _, p := range patterns {
			if present[p] {
				continue
			}
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			content += p + "\n"
			added = append(added, p)
		}

		if len(added) > 0 {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write .gitignore: %w", err)
			}
		}

		out, err := json.Marshal(gitignoreUpdateOutput{Added: added})
		if err != nil {
			return nil, fmt.Errorf("marshal gitignore output: %w", err)
		}
		return models.RawJSON(out), nil
	}
}
