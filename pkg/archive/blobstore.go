// Package archive exports retired versions to cold storage as compressed,
// checksummed bundles. The engine only needs Put/Get over a key space; the
// two backends are a local directory and any S3-compatible object store.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore is the cold-storage surface.
type BlobStore interface {
	// Put stores the object and returns its full URI.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves an object by key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes an object; deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// DirStore keeps bundles under a local directory. Writes go through a temp
// file and rename so a crashed Put never leaves a half-written bundle.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &DirStore{root: dir}, nil
}

// Put implements BlobStore.
func (s *DirStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.root, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive: sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive: close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("archive: rename %s: %w", key, err)
	}
	return "dir://" + path, nil
}

// Get implements BlobStore.
func (s *DirStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.Clean(key)))
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

// Delete implements BlobStore.
func (s *DirStore) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(s.root, filepath.Clean(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete %s: %w", key, err)
	}
	return nil
}

// S3Store keeps bundles in an S3-compatible bucket via minio.
type S3Store struct {
	client *minio.Client
	bucket string
}

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewS3Store dials the object store and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect %s: %w", cfg.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Put implements BlobStore.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zstd"})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get implements BlobStore.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

// Delete implements BlobStore.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("archive: delete %s: %w", key, err)
	}
	return nil
}

// OpenBlobStore builds a BlobStore from a backend URI: dir:///path for local
// directories, s3://bucket for object storage (endpoint and credentials via
// cfg).
func OpenBlobStore(ctx context.Context, backend string, s3 S3Config) (BlobStore, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("archive: parse backend %q: %w", backend, err)
	}
	switch u.Scheme {
	case "dir", "file":
		return NewDirStore(filepath.Join(u.Host, u.Path))
	case "s3":
		s3.Bucket = u.Host
		if s3.Bucket == "" {
			s3.Bucket = strings.Trim(u.Path, "/")
		}
		return NewS3Store(ctx, s3)
	default:
		return nil, fmt.Errorf("archive: unsupported backend scheme %q", u.Scheme)
	}
}
