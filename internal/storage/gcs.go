package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	engerrors "ledger-import-engine/pkg/errors"
)

const gcsTimeout = 2 * time.Minute

// GCSStore keeps files in a Google Cloud Storage bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore creates a client using Application Default Credentials unless
// opts say otherwise.
func NewGCSStore(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeConnectionFailed, "gcs", err).
			WithSuggestion("configure Application Default Credentials or storage.credentials_file")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put uploads data and returns a gs:// handle.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	object := key
	if s.prefix != "" {
		object = path.Join(s.prefix, key)
	}

	ctx, cancel := context.WithTimeout(ctx, gcsTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", engerrors.StorageError(engerrors.CodeWriteFailed, object, err)
	}
	if err := w.Close(); err != nil {
		return "", engerrors.StorageError(engerrors.CodeWriteFailed, object, fmt.Errorf("finalize upload: %w", err))
	}
	return schemeGCS + s.bucket + "/" + object, nil
}

// Get downloads the object behind a gs:// handle.
func (s *GCSStore) Get(ctx context.Context, handle string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(handle)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, gcsTimeout)
	defer cancel()

	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, engerrors.StorageError(engerrors.CodeNotFound, object, err).WithContext("handle", handle)
	}
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeReadFailed, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeReadFailed, object, err)
	}
	return data, nil
}

// ParseGCSURI splits gs://bucket/path/to/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, schemeGCS) {
		return "", "", invalidHandle(uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, schemeGCS), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", invalidHandle(uri)
	}
	return parts[0], parts[1], nil
}
