// Package gcs fetches resumes from Google Cloud Storage into temp files.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Config captures the parameters required to read resumes from GCS.
type Config struct {
	// Bucket is used for refs that are not gs:// URIs.
	Bucket string `mapstructure:"bucket"`
	// TempDir holds downloaded copies. Empty means os.TempDir.
	TempDir string `mapstructure:"temp_dir"`
}

// Store downloads resume objects for a single attempt.
type Store struct {
	client  *storage.Client
	bucket  string
	tempDir string
}

// New creates a GCS-backed resume store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket, tempDir: cfg.TempDir}, nil
}

// Fetch copies the object named by ref into a fresh temp directory. The
// returned cleanup removes the copy.
func (s *Store) Fetch(ctx context.Context, ref string) (string, func(), error) {
	bucket, object, err := s.split(ref)
	if err != nil {
		return "", nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return "", nil, fmt.Errorf("resume %s: %w", ref, apply.ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()

	dir, err := os.MkdirTemp(s.tempDir, "resume-")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	// The site sees this name in the upload, so keep the object's base name.
	dst := filepath.Join(dir, path.Base(object))
	file, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		cleanup()
		return "", nil, fmt.Errorf("copy object: %w", err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return dst, cleanup, nil
}

func (s *Store) split(ref string) (bucket, object string, err error) {
	ref = strings.TrimSpace(ref)
	bucket = s.bucket
	object = ref
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		var found bool
		bucket, object, found = strings.Cut(rest, "/")
		if !found || bucket == "" {
			return "", "", fmt.Errorf("malformed gs uri %q", ref)
		}
	}
	object = strings.TrimPrefix(object, "/")
	if object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("resume ref %q names no object", ref)
	}
	return bucket, object, nil
}
