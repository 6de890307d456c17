package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildcore/buildcore/pkg/hash"
)

// FileBlobStore is the spec's literal layout: <root>/<hh>/<fullhash>, where
// <hh> is the first two hex characters of the hash. Content writes are
// lock-free (write-to-temp-then-rename is idempotent across concurrent
// writers of identical bytes); the refcount sidecar is the only state that
// needs a mutex, per spec.md §5 ("Blob store on-disk directories: Lock-free
// writes to sharded files; idempotent").
type FileBlobStore struct {
	root string

	mu   sync.Mutex
	refs map[string]int64 // mirrors refcounts.json on disk
}

// NewFileBlobStore opens (or creates) a sharded blob store rooted at dir.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileBlobStore{root: dir, refs: make(map[string]int64)}
	if err := s.loadRefs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileBlobStore) refsPath() string { return filepath.Join(s.root, "refcounts.json") }

func (s *FileBlobStore) loadRefs() error {
	b, err := os.ReadFile(s.refsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(b, &s.refs)
}

// persistRefsLocked must be called with s.mu held.
func (s *FileBlobStore) persistRefsLocked() error {
	b, err := json.Marshal(s.refs)
	if err != nil {
		return err
	}
	tmp := s.refsPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.refsPath())
}

func (s *FileBlobStore) shardPath(h string) (dir, file string) {
	if len(h) < 2 {
		dir = filepath.Join(s.root, "00")
	} else {
		dir = filepath.Join(s.root, h[:2])
	}
	return dir, filepath.Join(dir, h)
}

func (s *FileBlobStore) Put(_ context.Context, content []byte) (string, error) {
	h := hash.ContentHashBytes(content)
	dir, file := s.shardPath(h)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(file); err == nil {
		return h, nil // idempotent: already present, last writer's identical bytes win
	}
	tmp := file + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return h, nil
}

func (s *FileBlobStore) Get(_ context.Context, h string) ([]byte, error) {
	_, file := s.shardPath(h)
	return os.ReadFile(file)
}

func (s *FileBlobStore) Has(_ context.Context, h string) (bool, error) {
	_, file := s.shardPath(h)
	_, err := os.Stat(file)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileBlobStore) AddRef(_ context.Context, h string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[h]++
	return s.persistRefsLocked()
}

func (s *FileBlobStore) RemoveRef(_ context.Context, h string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.refs[h] - 1
	if n <= 0 {
		delete(s.refs, h)
	} else {
		s.refs[h] = n
	}
	if err := s.persistRefsLocked(); err != nil {
		return false, err
	}
	return n <= 0, nil
}

func (s *FileBlobStore) Delete(_ context.Context, h string) (bool, error) {
	s.mu.Lock()
	if n := s.refs[h]; n > 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	_, file := s.shardPath(h)
	if err := os.Remove(file); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileBlobStore) Walk(_ context.Context, fn func(hash string) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if err := fn(f.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FileBlobStore) Close() error { return nil }
