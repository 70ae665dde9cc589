package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGitignoreUpdateHandler_CreatesFileWithDefaults(t *testing.T) {
	dir := t.TempDir()
	handler := NewGitignoreUpdateHandler()
	job := writeJob(t, gitignoreUpdateInput{RepositoryPath: dir})

	result, err := handler(context.Background(), job)
	require.NoError(t, err)

	var out gitignoreUpdateOutput
	require.NoError(t, json.Unmarshal(result, &out))
	require.ElementsMatch(t, defaultIgnorePatterns, out.Added)

	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	for _, p := range defaultIgnorePatterns {
		require.Contains(t, string(content), p)
	}
}

func TestGitignoreUpdateHandler_SkipsAlreadyPresentPatterns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".env\n"), 0o644))

	handler := NewGitignoreUpdateHandler()
	job := writeJob(t, gitignoreUpdateInput{RepositoryPath: dir, Patterns: []string{".env", "dist/"}})

	result, err := handler(context.Background(), job)
	require.NoError(t, err)

	var out gitignoreUpdateOutput
	require.NoError(t, json.Unmarshal(result, &out))
	require.Equal(t, []string{"dist/"}, out.Added)
}

func TestGitignoreUpdateHandler_RequiresRepositoryPath(t *testing.T) {
	handler := NewGitignoreUpdateHandler()
	job := writeJob(t, gitignoreUpdateInput{})

	_, err := handler(context.Background(), job)
	require.Error(t, err)
}
