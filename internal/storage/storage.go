// Package storage stores raw import payloads and reads them back by handle.
//
// A handle is a URI: file://<key> for the local backend and
// gs://<bucket>/<object> for Google Cloud Storage. Batches keep the handle
// so a failed import can be reprocessed from the original bytes.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"google.golang.org/api/option"

	engerrors "ledger-import-engine/pkg/errors"
	"ledger-import-engine/pkg/logger"
)

const (
	BackendLocal = "local"
	BackendGCS   = "gcs"

	schemeFile = "file://"
	schemeGCS  = "gs://"
)

// FileStore stores bytes and returns a handle to read them back.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Config selects and configures the backend.
type Config struct {
	Backend         string `mapstructure:"backend"`
	LocalDir        string `mapstructure:"local_dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	GCSPrefix       string `mapstructure:"gcs_prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// DefaultConfig stores uploads under ./data/uploads.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendLocal,
		LocalDir: "data/uploads",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendGCS:
		if strings.TrimSpace(c.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (use %s or %s)", c.Backend, BackendLocal, BackendGCS)
	}
	return nil
}

// Open builds the configured backend. Reads of handles from the other
// backend are still served when that backend can be constructed.
func Open(ctx context.Context, cfg Config, log logger.Logger) (FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engerrors.ConfigurationError(engerrors.CodeInvalidConfig, "storage", cfg.Backend, err)
	}
	log = logger.OrDefault(log).WithComponent("storage")

	local := NewLocalStore(OSFs(cfg.LocalDir))
	if cfg.Backend == BackendLocal {
		log.WithField("dir", cfg.LocalDir).Info("Using local file storage")
		return local, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	gcs, err := NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix, opts...)
	if err != nil {
		return nil, err
	}
	log.WithField("bucket", cfg.GCSBucket).Info("Using GCS file storage")
	return &Router{Primary: gcs, Local: local, GCS: gcs}, nil
}

// Router writes to Primary and reads from whichever backend owns the handle.
type Router struct {
	Primary FileStore
	Local   FileStore
	GCS     FileStore
}

// Put stores data in the primary backend.
func (r *Router) Put(ctx context.Context, key string, data []byte) (string, error) {
	return r.Primary.Put(ctx, key, data)
}

// Get dispatches on the handle scheme.
func (r *Router) Get(ctx context.Context, handle string) ([]byte, error) {
	switch {
	case strings.HasPrefix(handle, schemeFile) && r.Local != nil:
		return r.Local.Get(ctx, handle)
	case strings.HasPrefix(handle, schemeGCS) && r.GCS != nil:
		return r.GCS.Get(ctx, handle)
	}
	return nil, invalidHandle(handle)
}

// ObjectKey builds the storage key of an uploaded file from its content hash.
func ObjectKey(fileHash, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".csv"
	}
	if len(fileHash) < 2 {
		return fileHash + ext
	}
	return path.Join(fileHash[:2], fileHash+ext)
}

// cleanKey rejects keys escaping the storage root.
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", engerrors.ValidationError(engerrors.CodeMissingField, "key", key, nil)
	}
	return cleaned, nil
}

func invalidHandle(handle string) error {
	return engerrors.StorageError(engerrors.CodeNotFound, "file", fmt.Errorf("unsupported file handle %q", handle)).
		WithContext("handle", handle)
}
