package tabsplit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore is the persistent storage the cache and queue are written to.
// WriteBlob must be durable when it returns.
type BlobStore interface {
	ReadBlob(key string) (data []byte, ok bool, err error)
	WriteBlob(key string, data []byte) error
}

// ============================================================================
// MemoryBlobStore
// ============================================================================

// MemoryBlobStore is a goroutine-safe in-memory BlobStore. Contents survive
// for as long as the value does, which is what restart tests rely on.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) ReadBlob(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryBlobStore) WriteBlob(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

// Keys returns the stored keys (unordered).
func (s *MemoryBlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	return keys
}

// ============================================================================
// FileBlobStore
// ============================================================================

// FileBlobStore keeps one file per key under a directory. Writes go to a
// temp file that is fsynced and renamed over the target.
type FileBlobStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileBlobStore creates the directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(key string) string {
	name := strings.NewReplacer("/", "__", "\\", "__", ":", "_").Replace(key)
	return filepath.Join(s.dir, name+".json")
}

func (s *FileBlobStore) ReadBlob(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read blob %q: %w", key, err)
	}
	return data, true, nil
}

func (s *FileBlobStore) WriteBlob(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("write blob %q: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync blob %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob %q: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("commit blob %q: %w", key, err)
	}
	return nil
}
