// Package handlers builds scheduler.Handler functions for the pipeline ids
// the worker registry exposes.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"jobserver/pkg/api/middleware"
	"jobserver/pkg/executor/runner"
	"jobserver/pkg/models"
	"jobserver/pkg/scheduler"
)

// shellInput is the data payload a shell pipeline job is created with.
type shellInput struct {
	Command        string `json:"command"`
	RepositoryPath string `json:"repositoryPath,omitempty"`
}

// shellOutput is the result payload of a shell pipeline job.
type shellOutput struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// NewShellHandler builds a scheduler.Handler that runs job.Data.command
// through a shell, validating it against validator's blacklist first. A
// non-zero exit code becomes a job error whose message is classified like
// any other handler failure.
func NewShellHandler(validator *middleware.Validator) scheduler.Handler {
	return func(ctx context.Context, job *models.Job) (models.RawJSON, error) {
		var input shellInput
		if err := json.Unmarshal(job.Data, &input); err != nil {
			return nil, fmt.Errorf("validation failed: malformed job data: %w", err)
		}
		if input.Command == "" {
			return nil, fmt.Errorf("validation failed: command is required")
		}
		if err := validator.ValidateCommand(input.Command); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}

		r := runner.NewShellRunner()
		result := r.Run(ctx, "sh", []string{"-c", input.Command})

		out, err := json.Marshal(shellOutput{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal shell output: %w", err)
		}

		if result.ExitCode != 0 {
			return models.RawJSON(out), fmt.Errorf("command exited %d: %s", result.ExitCode, result.Stderr)
		}
		return models.RawJSON(out), nil
	}
}
