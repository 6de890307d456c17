package blobstore

import (
	"context"
	"encoding/binary"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/buildcore/buildcore/pkg/hash"
)

// BadgerBlobStore is the alternate C1 backend grounded directly on the
// reference cache's examples/disk_eject demonstration of BadgerDB as an L2
// store: one embedded KV file instead of a sharded directory tree. Content
// lives under the "c:" prefix, refcounts under "r:" — chosen so GC's Walk
// can iterate content keys without touching refcount bookkeeping.
type BadgerBlobStore struct {
	db *badger.DB
}

const (
	contentPrefix = "c:"
	refPrefix     = "r:"
)

// NewBadgerBlobStore opens (or creates) a Badger-backed blob store at dir.
func NewBadgerBlobStore(dir string) (*BadgerBlobStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerBlobStore{db: db}, nil
}

func (s *BadgerBlobStore) Put(_ context.Context, content []byte) (string, error) {
	h := hash.ContentHashBytes(content)
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(contentPrefix + h)
		if _, err := txn.Get(key); err == nil {
			return nil // idempotent: identical bytes already present
		}
		return txn.Set(key, content)
	})
	if err != nil {
		return "", err
	}
	return h, nil
}

func (s *BadgerBlobStore) Get(_ context.Context, h string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(contentPrefix + h))
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			out = append([]byte(nil), b...)
			return nil
		})
	})
	return out, err
}

func (s *BadgerBlobStore) Has(_ context.Context, h string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(contentPrefix + h))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerBlobStore) AddRef(_ context.Context, h string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		n := readRefcount(txn, h)
		return writeRefcount(txn, h, n+1)
	})
}

func (s *BadgerBlobStore) RemoveRef(_ context.Context, h string) (bool, error) {
	var zero bool
	err := s.db.Update(func(txn *badger.Txn) error {
		n := readRefcount(txn, h) - 1
		if n <= 0 {
			zero = true
			return txn.Delete([]byte(refPrefix + h))
		}
		return writeRefcount(txn, h, n)
	})
	return zero, err
}

func (s *BadgerBlobStore) Delete(_ context.Context, h string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(txn *badger.Txn) error {
		if readRefcount(txn, h) > 0 {
			return nil
		}
		if err := txn.Delete([]byte(contentPrefix + h)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *BadgerBlobStore) Walk(_ context.Context, fn func(hash string) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(contentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(contentPrefix)); it.Next() {
			key := string(it.Item().Key())
			if err := fn(key[len(contentPrefix):]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerBlobStore) Close() error { return s.db.Close() }

func readRefcount(txn *badger.Txn, h string) int64 {
	item, err := txn.Get([]byte(refPrefix + h))
	if err != nil {
		return 0
	}
	var n int64
	_ = item.Value(func(b []byte) error {
		if len(b) == 8 {
			n = int64(binary.BigEndian.Uint64(b))
		}
		return nil
	})
	return n
}

func writeRefcount(txn *badger.Txn, h string, n int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return txn.Set([]byte(refPrefix+h), b[:])
}
