// Package joblog archives the final state of each job to a local,
// authoritative filesystem directory, with an optional best-effort mirror
// to S3.
package joblog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"jobserver/pkg/logger"
	"jobserver/pkg/models"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitiseID replaces every path-traversal or otherwise unsafe character in
// a job ID with "_" before it is used as a filename.
func sanitiseID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// S3Config configures the optional mirror upload. Leave Bucket empty to
// disable it entirely.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Writer archives Job objects to a local directory and, optionally, S3.
type Writer struct {
	localDir string
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// New builds a Writer rooted at localDir. When s3cfg is non-nil and
// s3cfg.Bucket is set, every archive is additionally mirrored to S3.
func New(localDir string, s3cfg *S3Config) (*Writer, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("joblog: create log directory: %w", err)
	}

	w := &Writer{localDir: localDir}
	if s3cfg == nil || s3cfg.Bucket == "" {
		return w, nil
	}

	optFns := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("joblog: load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	w.s3Client = s3.NewFromConfig(awsCfg, clientOpts...)
	w.bucket = s3cfg.Bucket
	w.prefix = s3cfg.Prefix
	return w, nil
}

// filename returns the archive filename for a job, switching suffix on
// whether the job ended in failure.
func filename(job *models.Job) string {
	id := sanitiseID(job.ID)
	if job.Status == models.StatusFailed {
		return id + ".error.json"
	}
	return id + ".json"
}

// Archive writes job's final state to the local directory, atomically, and
// kicks off a best-effort S3 mirror if one is configured. The local write
// is authoritative: its failure is returned to the caller. An S3 failure is
// only logged.
func (w *Writer) Archive(ctx context.Context, job *models.Job) error {
	name := filename(job)
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("joblog: marshal job %s: %w", job.ID, err)
	}

	path := filepath.Join(w.localDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("joblog: write temp archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("joblog: rename archive into place: %w", err)
	}

	if w.s3Client != nil {
		go func() {
			if err := w.uploadMirror(context.Background(), name, data); err != nil {
				logger.Warn("joblog: s3 mirror upload failed",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}()
	}

	return nil
}

func (w *Writer) uploadMirror(ctx context.Context, name string, data []byte) error {
	key := w.key(name)
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (w *Writer) key(name string) string {
	if w.prefix == "" {
		return name
	}
	return filepath.ToSlash(filepath.Join(w.prefix, name))
}

// Read loads a job's local archive back, preferring the failure variant if
// present.
func (w *Writer) Read(id string) (*models.Job, error) {
	safe := sanitiseID(id)
	for _, suffix := range []string{".error.json", ".json"} {
		data, err := os.ReadFile(filepath.Join(w.localDir, safe+suffix))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("joblog: read archive: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("joblog: unmarshal archive: %w", err)
		}
		return &job, nil
	}
	return nil, os.ErrNotExist
}
