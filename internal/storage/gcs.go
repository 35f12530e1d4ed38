package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore は Google Cloud Storage のバケットに保存する Store 実装です（本番環境用）。
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore はバケット bucket の prefix 配下に保存する GCSStore を作成します。
func NewGCSStore(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	w := s.object(cleaned).NewWriter(ctx)
	w.ContentType = contentTypeFor(cleaned)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", cleaned, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", cleaned, err)
	}
	return cleaned, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	r, err := s.object(cleaned).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("gcs read %s: %w", cleaned, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := s.object(cleaned).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", cleaned, err)
	}
	return nil
}

// Close はクライアントを閉じます。
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(cleaned string) *gcs.ObjectHandle {
	name := cleaned
	if s.prefix != "" {
		name = path.Join(s.prefix, cleaned)
	}
	return s.client.Bucket(s.bucket).Object(name)
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".mid", ".midi":
		return "audio/midi"
	case ".musicxml", ".xml":
		return "application/vnd.recordare.musicxml+xml"
	case ".mxl":
		return "application/vnd.recordare.musicxml"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
