package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
)

// FileObjectStore stands in for a minio client. Objects are written as
// files under a temporary directory, keyed by bucket and object name.
type FileObjectStore struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error // object name -> error returned by PutObject
	puts    int
}

// NewFileObjectStore creates a store rooted at baseDir.
func NewFileObjectStore(baseDir string) (*FileObjectStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileObjectStore{baseDir: baseDir, errors: make(map[string]error)}, nil
}

// PutObject matches (*minio.Client).PutObject.
func (m *FileObjectStore) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64,
	_ minio.PutObjectOptions) (minio.UploadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++

	if err, ok := m.errors[key]; ok {
		return minio.UploadInfo{}, err
	}
	if err, ok := m.errors["*"]; ok {
		return minio.UploadInfo{}, err
	}

	filePath := m.keyToFilePath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return minio.UploadInfo{}, fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: written}, nil
}

// SetError makes PutObject fail for key. The key "*" fails every put.
func (m *FileObjectStore) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes any configured error for a specific key
func (m *FileObjectStore) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// Puts counts PutObject calls, failed ones included.
func (m *FileObjectStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Keys lists stored objects as bucket/key, sorted.
func (m *FileObjectStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	_ = filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(m.baseDir, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(keys)
	return keys
}

// Data returns the stored bytes of bucket/key.
func (m *FileObjectStore) Data(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := os.ReadFile(m.keyToFilePath(bucket, key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *FileObjectStore) keyToFilePath(bucket, key string) string {
	return filepath.Join(m.baseDir, bucket, strings.ReplaceAll(key, "/", string(os.PathSeparator)))
}
