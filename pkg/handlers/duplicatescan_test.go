package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"jobserver/pkg/models"
)

func writeJob(t *testing.T, data interface{}) *models.Job {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &models.Job{ID: "job-1", PipelineID: "duplicate-scan", Data: models.RawJSON(raw)}
}

func TestDuplicateScanHandler_FindsDuplicateGroups(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("same content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("same content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("unique content"), 0o644))

	handler := NewDuplicateScanHandler()
	job := writeJob(t, duplicateScanInput{RepositoryPath: dir})

	result, err := handler(context.Background(), job)
	require.NoError(t, err)

	var out duplicateScanOutput
	require.NoError(t, json.Unmarshal(result, &out))
	require.Equal(t, 3, out.FilesScanned)
	require.Len(t, out.Duplicates, 1)
	require.Len(t, out.Duplicates[0], 2)
}

func TestDuplicateScanHandler_SkipsGitDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	handler := NewDuplicateScanHandler()
	job := writeJob(t, duplicateScanInput{RepositoryPath: dir})

	result, err := handler(context.Background(), job)
	require.NoError(t, err)

	var out duplicateScanOutput
	require.NoError(t, json.Unmarshal(result, &out))
	require.Equal(t, 1, out.FilesScanned)
}

func TestDuplicateScanHandler_RequiresRepositoryPath(t *testing.T) {
	handler := NewDuplicateScanHandler()
	job := writeJob(t, duplicateScanInput{})

	_, err := handler(context.Background(), job)
	require.Error(t, err)
}
