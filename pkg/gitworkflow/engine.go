// Package gitworkflow runs the branch/commit/push/PR workflow the scheduler
// triggers after a job handler completes successfully against a repository.
package gitworkflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"jobserver/pkg/logger"
	"jobserver/pkg/models"
)

// MessageGenerator builds the commit message for a job's automated change.
type MessageGenerator func(jobType, jobID string) string

// PRGenerator builds the title, body and labels for the pull request.
type PRGenerator func(jobType, jobID string, changedFiles []string) (title, body string, labels []string)

// Config configures an Engine.
type Config struct {
	BaseBranch    string
	BranchPrefix  string
	DryRun        bool
	GitHubToken   string
	GitHubOwner   string
	GitHubRepo    string
	Message       MessageGenerator
	PullRequest   PRGenerator
	AuthorName    string
	AuthorEmail   string
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		BaseBranch:   "main",
		BranchPrefix: "automated",
		DryRun:       false,
		AuthorName:   "jobserver-bot",
		AuthorEmail:  "jobserver-bot@users.noreply.github.com",
		Message:      defaultMessage,
		PullRequest:  defaultPR,
	}
}

func defaultMessage(jobType, jobID string) string {
	return fmt.Sprintf("%s: automated changes from job %s", jobType, jobID)
}

func defaultPR(jobType, jobID string, changedFiles []string) (string, string, []string) {
	title := fmt.Sprintf("%s: automated changes from job %s", jobType, jobID)
	body := fmt.Sprintf("Automated pull request created by job `%s` (%s).\n\nChanged files:\n- %s",
		jobID, jobType, strings.Join(changedFiles, "\n- "))
	return title, body, []string{"automated"}
}

// Engine runs the git workflow state machine against a single repository.
type Engine struct {
	cfg Config
	gh  *github.Client
}

// NewEngine builds an Engine. A nil/empty GitHubToken disables PR creation;
// push and commit still run.
func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	if cfg.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		httpClient := oauth2.NewClient(context.Background(), ts)
		e.gh = github.NewClient(httpClient)
	}
	return e
}

// BranchHandle tracks an in-progress workflow for a single job.
type BranchHandle struct {
	RepositoryPath string
	OriginalBranch string
	BranchName     string
	repo           *git.Repository
	worktree       *git.Worktree
	dryRun         bool
}

// Branch opens the repository, captures the current branch, and checks out
// a new job branch. On any failure it returns an error; the caller (the
// Scheduler) logs a warning and proceeds without a git workflow.
func (e *Engine) Branch(ctx context.Context, repositoryPath, jobType, jobID string) (*BranchHandle, error) {
	if e.cfg.DryRun {
		return &BranchHandle{
			RepositoryPath: repositoryPath,
			OriginalBranch: e.cfg.BaseBranch,
			BranchName:     e.branchName(jobType, jobID),
			dryRun:         true,
		}, nil
	}

	repo, err := git.PlainOpen(repositoryPath)
	if err != nil {
		return nil, fmt.Errorf("gitworkflow: open repository: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("gitworkflow: worktree: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("gitworkflow: head: %w", err)
	}
	originalBranch := head.Name().Short()

	branchName := e.branchName(jobType, jobID)
	branchRef := plumbing.NewBranchReferenceName(branchName)
	if err := worktree.Checkout(&git.CheckoutOptions{
		Branch: branchRef,
		Create: true,
	}); err != nil {
		return nil, fmt.Errorf("gitworkflow: checkout branch %s: %w", branchName, err)
	}

	return &BranchHandle{
		RepositoryPath: repositoryPath,
		OriginalBranch: originalBranch,
		BranchName:     branchName,
		repo:           repo,
		worktree:       worktree,
	}, nil
}

func (e *Engine) branchName(jobType, jobID string) string {
	return fmt.Sprintf("%s/%s/%s-%d", e.cfg.BranchPrefix, jobType, jobID, time.Now().Unix())
}

// Finish runs DETECT, COMMIT, PUSH, PR and CLEANUP after a handler
// succeeds. It always returns a GitInfo — on dry run or "no changes" it
// still performs cleanup and reports what would have happened.
func (e *Engine) Finish(ctx context.Context, h *BranchHandle, jobType, jobID string) (*models.GitInfo, error) {
	info := &models.GitInfo{
		BranchName:     h.BranchName,
		OriginalBranch: h.OriginalBranch,
	}

	if h.dryRun {
		info.CommitSha = "dry-run-commit"
		info.PRUrl = "dry-run-" + h.BranchName
		return info, nil
	}

	changed, err := e.detect(h)
	if err != nil {
		return info, fmt.Errorf("gitworkflow: detect changes: %w", err)
	}
	if len(changed) == 0 {
		e.cleanup(h)
		return info, nil
	}
	info.ChangedFiles = changed

	sha, err := e.commit(h, jobType, jobID, changed)
	if err != nil {
		e.cleanup(h)
		return info, fmt.Errorf("gitworkflow: commit: %w", err)
	}
	info.CommitSha = sha

	if err := e.push(ctx, h); err != nil {
		logger.Warn("gitworkflow: push failed, skipping PR", zap.Error(err), zap.String("branch", h.BranchName))
		e.cleanup(h)
		return info, nil
	}

	prURL, err := e.openPR(ctx, jobType, jobID, changed, h)
	if err != nil {
		logger.Warn("gitworkflow: PR creation failed", zap.Error(err), zap.String("branch", h.BranchName))
	} else {
		info.PRUrl = prURL
	}

	e.cleanup(h)
	return info, nil
}

// Abort runs CLEANUP only, used when the handler failed or no git workflow
// should complete.
func (e *Engine) Abort(h *BranchHandle) {
	if h == nil || h.dryRun {
		return
	}
	e.cleanup(h)
}

func (e *Engine) detect(h *BranchHandle) ([]string, error) {
	status, err := h.worktree.Status()
	if err != nil {
		return nil, err
	}
	var files []string
	for path := range status {
		files = append(files, path)
	}
	return files, nil
}

func (e *Engine) commit(h *BranchHandle, jobType, jobID string, changed []string) (string, error) {
	for _, f := range changed {
		if _, err := h.worktree.Add(f); err != nil {
			return "", fmt.Errorf("add %s: %w", f, err)
		}
	}

	msgFn := e.cfg.Message
	if msgFn == nil {
		msgFn = defaultMessage
	}
	message := msgFn(jobType, jobID)

	sha, err := h.worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  e.cfg.AuthorName,
			Email: e.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", err
	}
	return sha.String(), nil
}

func (e *Engine) push(ctx context.Context, h *BranchHandle) error {
	opts := &git.PushOptions{RemoteName: "origin"}
	if e.cfg.GitHubToken != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: e.cfg.GitHubToken}
	}
	err := h.repo.PushContext(ctx, opts)
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

func (e *Engine) openPR(ctx context.Context, jobType, jobID string, changed []string, h *BranchHandle) (string, error) {
	if e.gh == nil {
		return "", fmt.Errorf("gitworkflow: no github client configured")
	}
	prFn := e.cfg.PullRequest
	if prFn == nil {
		prFn = defaultPR
	}
	title, body, labels := prFn(jobType, jobID, changed)

	head := h.BranchName
	base := h.OriginalBranch
	pr, _, err := e.gh.PullRequests.Create(ctx, e.cfg.GitHubOwner, e.cfg.GitHubRepo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return "", err
	}
	if len(labels) > 0 && pr.Number != nil {
		if _, _, err := e.gh.Issues.AddLabelsToIssue(ctx, e.cfg.GitHubOwner, e.cfg.GitHubRepo, *pr.Number, labels); err != nil {
			logger.Warn("gitworkflow: failed to attach labels", zap.Error(err))
		}
	}
	if pr.HTMLURL != nil {
		return *pr.HTMLURL, nil
	}
	return "", nil
}

func (e *Engine) cleanup(h *BranchHandle) {
	if h.worktree == nil {
		return
	}
	branchRef := plumbing.NewBranchReferenceName(h.OriginalBranch)
	if err := h.worktree.Checkout(&git.CheckoutOptions{Branch: branchRef}); err != nil {
		logger.Warn("gitworkflow: cleanup checkout failed", zap.Error(err), zap.String("branch", h.OriginalBranch))
		return
	}
	if err := h.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(h.BranchName)); err != nil {
		logger.Warn("gitworkflow: cleanup branch delete failed", zap.Error(err), zap.String("branch", h.BranchName))
	}
}
