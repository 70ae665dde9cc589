package joblog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobserver/pkg/models"
)

func TestSanitiseID_StripsPathTraversal(t *testing.T) {
	require.Equal(t, "______etc_passwd", sanitiseID("../../etc/passwd"))
	require.Equal(t, "job-1_a", sanitiseID("job-1 a"))
}

func TestArchive_SuccessWritesPlainJSON(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	require.NoError(t, err)

	job := &models.Job{ID: "job-1", Status: models.StatusCompleted, CreatedAt: time.Now()}
	require.NoError(t, w.Archive(context.Background(), job))

	_, err = os.Stat(filepath.Join(dir, "job-1.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "job-1.error.json"))
	require.True(t, os.IsNotExist(err))
}

func TestArchive_FailureWritesErrorSuffix(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	require.NoError(t, err)

	job := &models.Job{
		ID:     "job-2",
		Status: models.StatusFailed,
		Error:  &models.JobError{Message: "boom", Stack: "trace..."},
	}
	require.NoError(t, w.Archive(context.Background(), job))

	_, err = os.Stat(filepath.Join(dir, "job-2.error.json"))
	require.NoError(t, err)

	loaded, err := w.Read("job-2")
	require.NoError(t, err)
	require.Equal(t, "boom", loaded.Error.Message)
}

func TestArchive_SanitisesTraversalID(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	require.NoError(t, err)

	job := &models.Job{ID: "../evil", Status: models.StatusCompleted}
	require.NoError(t, w.Archive(context.Background(), job))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "..")
	}
}

func TestRead_MissingArchiveReturnsNotExist(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	require.NoError(t, err)

	_, err = w.Read("nonexistent")
	require.True(t, os.IsNotExist(err))
}

func TestNew_DisabledWithoutBucket(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, &S3Config{})
	require.NoError(t, err)
	require.Nil(t, w.s3Client)
}
