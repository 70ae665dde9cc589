package gitworkflow

import (
	"context"
	"fmt"
)

const (
	minImpactScore = 50
	maxBatchSize   = 5
)

// Suggestion is one candidate refactor surfaced by a handler.
type Suggestion struct {
	ID                       string
	Description              string
	AutomatedRefactorPossible bool
	ImpactScore              int
}

// FilterSuggestions retains suggestions eligible for automation and groups
// them into batches of at most maxBatchSize, one branch/commit/PR per batch.
func FilterSuggestions(candidates []Suggestion) [][]Suggestion {
	var eligible []Suggestion
	for _, c := range candidates {
		if c.AutomatedRefactorPossible && c.ImpactScore >= minImpactScore {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	var batches [][]Suggestion
	for i := 0; i < len(eligible); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		batches = append(batches, eligible[i:end])
	}
	return batches
}

// ProcessSuggestions runs each batch from FilterSuggestions through its own
// Branch/Finish cycle, one branch, commit and PR per batch. It keeps going
// past a failed batch so one bad batch does not sink the rest, collecting
// every PR URL and every error encountered.
func (e *Engine) ProcessSuggestions(ctx context.Context, repositoryPath, jobType, jobID string, batches [][]Suggestion) (prURLs []string, errs []error) {
	for i, batch := range batches {
		batchJobID := fmt.Sprintf("%s-batch-%d", jobID, i+1)

		handle, err := e.Branch(ctx, repositoryPath, jobType, batchJobID)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d (%d suggestions): %w", i+1, len(batch), err))
			continue
		}

		info, err := e.Finish(ctx, handle, jobType, batchJobID)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d (%d suggestions): %w", i+1, len(batch), err))
			continue
		}
		if info.PRUrl != "" {
			prURLs = append(prURLs, info.PRUrl)
		}
	}
	return prURLs, errs
}
