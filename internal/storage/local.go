package storage

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	engerrors "ledger-import-engine/pkg/errors"
)

// OSFs returns a filesystem rooted at dir on the host.
func OSFs(dir string) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), dir)
}

// LocalStore keeps files on an afero filesystem. Tests use a memory fs.
type LocalStore struct {
	fs afero.Fs
}

// NewLocalStore creates a store over fs.
func NewLocalStore(fs afero.Fs) *LocalStore {
	return &LocalStore{fs: fs}
}

// Put writes data under key and returns a file:// handle. Existing content
// under the same key is replaced.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return "", engerrors.StorageError(engerrors.CodeWriteFailed, key, err)
	}
	if err := afero.WriteFile(s.fs, key, data, 0o644); err != nil {
		return "", engerrors.StorageError(engerrors.CodeWriteFailed, key, err)
	}
	return schemeFile + key, nil
}

// Get reads the file behind a file:// handle.
func (s *LocalStore) Get(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(handle, schemeFile) {
		return nil, invalidHandle(handle)
	}

	key, err := cleanKey(strings.TrimPrefix(handle, schemeFile))
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, key)
	if os.IsNotExist(err) {
		return nil, engerrors.StorageError(engerrors.CodeNotFound, key, err).WithContext("handle", handle)
	}
	if err != nil {
		return nil, engerrors.StorageError(engerrors.CodeReadFailed, key, err)
	}
	return data, nil
}
