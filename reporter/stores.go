package reporter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrBadKey is returned for artifact keys that would escape the run's
// directory.
var ErrBadKey = errors.New("bad artifact key")

// LocalStore keeps published artifacts on disk under
// <Dir>/artifacts/<run-id>/<key>.
type LocalStore struct {
	Dir string
}

// NewLocalStore returns a LocalStore rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Dir: dir}
}

func (s *LocalStore) path(runID, key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(runID, "/") || strings.Contains(runID, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}

	return filepath.Join(s.Dir, "artifacts", runID, filepath.FromSlash(clean)), nil
}

// Put implements Store.
func (s *LocalStore) Put(_ context.Context, runID, key string, r io.Reader) error {
	p, err := s.path(runID, key)
	if err != nil {
		return err
	}

	return copyTo(p, r)
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, runID, key string) (io.ReadCloser, error) {
	p, err := s.path(runID, key)
	if err != nil {
		return nil, err
	}

	return os.Open(p)
}

// S3Store keeps published artifacts in a bucket under
// <prefix>/artifacts/<run-id>/<key>.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store returns an S3Store using client.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Store) objectKey(runID, key string) string {
	return path.Join(s.prefix, "artifacts", runID, path.Clean("/"+key))
}

// Put implements Store. The content is buffered so the checksum can be
// stored as object metadata.
func (s *S3Store) Put(ctx context.Context, runID, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	sum := sha256.Sum256(data)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(runID, key)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"checksum": hex.EncodeToString(sum[:]),
			"run-id":   runID,
		},
	})
	if err != nil {
		return fmt.Errorf("putting artifact to s3: %w", err)
	}

	return nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, runID, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(runID, key)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting artifact from s3: %w", err)
	}

	return out.Body, nil
}
