package gitworkflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("hello"), 0644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	require.Equal(t, "master", head.Name().Short())

	return dir
}

func TestEngine_BranchCreatesAndCapturesOriginal(t *testing.T) {
	dir := initRepo(t)
	cfg := DefaultConfig()
	cfg.BaseBranch = "master"
	e := NewEngine(cfg)

	handle, err := e.Branch(context.Background(), dir, "duplicate-detection", "job-1")
	require.NoError(t, err)
	require.Equal(t, "master", handle.OriginalBranch)
	require.Contains(t, handle.BranchName, "automated/duplicate-detection/job-1-")
}

func TestEngine_FinishWithNoChangesCleansUpOnly(t *testing.T) {
	dir := initRepo(t)
	e := NewEngine(DefaultConfig())
	handle, err := e.Branch(context.Background(), dir, "noop", "job-2")
	require.NoError(t, err)

	info, err := e.Finish(context.Background(), handle, "noop", "job-2")
	require.NoError(t, err)
	require.Empty(t, info.CommitSha)
	require.Empty(t, info.ChangedFiles)
}

func TestEngine_FinishCommitsChanges(t *testing.T) {
	dir := initRepo(t)
	e := NewEngine(DefaultConfig())
	handle, err := e.Branch(context.Background(), dir, "refactor", "job-3")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("changed"), 0644))

	info, err := e.Finish(context.Background(), handle, "refactor", "job-3")
	require.NoError(t, err)
	require.NotEmpty(t, info.CommitSha)
	require.Contains(t, info.ChangedFiles, "new.txt")
	require.Empty(t, info.PRUrl) // no push remote configured, no PR attempted
}

func TestEngine_DryRunProducesSyntheticValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRun = true
	e := NewEngine(cfg)

	handle, err := e.Branch(context.Background(), "/nonexistent", "scan", "job-4")
	require.NoError(t, err)

	info, err := e.Finish(context.Background(), handle, "scan", "job-4")
	require.NoError(t, err)
	require.Equal(t, "dry-run-commit", info.CommitSha)
	require.Contains(t, info.PRUrl, "dry-run-")
}

func TestFilterSuggestions_BatchesEligibleOnly(t *testing.T) {
	candidates := []Suggestion{
		{ID: "1", AutomatedRefactorPossible: true, ImpactScore: 80},
		{ID: "2", AutomatedRefactorPossible: false, ImpactScore: 90},
		{ID: "3", AutomatedRefactorPossible: true, ImpactScore: 10},
		{ID: "4", AutomatedRefactorPossible: true, ImpactScore: 50},
		{ID: "5", AutomatedRefactorPossible: true, ImpactScore: 60},
		{ID: "6", AutomatedRefactorPossible: true, ImpactScore: 70},
		{ID: "7", AutomatedRefactorPossible: true, ImpactScore: 55},
	}

	batches := FilterSuggestions(candidates)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 5)
	require.Len(t, batches[1], 1)
}

func TestFilterSuggestions_EmptyWhenNoneEligible(t *testing.T) {
	batches := FilterSuggestions([]Suggestion{{ID: "1", ImpactScore: 10}})
	require.Nil(t, batches)
}

func TestProcessSuggestions_DryRunBatchingProducesOnePRPerBatch(t *testing.T) {
	candidates := make([]Suggestion, 12)
	for i := range candidates {
		candidates[i] = Suggestion{
			ID:                        fmt.Sprintf("s-%d", i),
			AutomatedRefactorPossible: true,
			ImpactScore:               75,
		}
	}
	batches := FilterSuggestions(candidates)
	require.Len(t, batches, 3)

	cfg := DefaultConfig()
	cfg.DryRun = true
	e := NewEngine(cfg)

	prURLs, errs := e.ProcessSuggestions(context.Background(), "/nonexistent", "refactor-scan", "job-7", batches)
	require.Empty(t, errs)
	require.Len(t, prURLs, 3)
	for _, url := range prURLs {
		require.True(t, strings.HasPrefix(url, "dry-run-"))
	}
}
