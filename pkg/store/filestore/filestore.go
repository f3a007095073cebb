// Package filestore implements store.Store as a single embedded file,
// following the spec's embedded-file backend profile (spec §4.3): readers
// run concurrently with a single writer, and writes are serialized by the
// backend's own locking.
//
// bbolt (go.etcd.io/bbolt) provides this: a single mmap'd file, one writer
// transaction at a time, an flock-based file lock acquired with a bounded
// wait (busyTimeout), and copy-on-write pages so readers never block on the
// writer. The store keeps bbolt's default durability, an fsync on every
// committed write transaction; it sets no relaxed ("normal") sync mode and
// configures no page cache of its own.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
)

const busyTimeout = 5 * time.Second

var (
	bucketObjects = []byte("objects")
	bucketRefs    = []byte("refs")
	bucketLogs    = []byte("logs")
)

// FileStore is the embedded single-file backend.
type FileStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt file at path.
func Open(path string) (*FileStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: busyTimeout})
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: fmt.Errorf("filestore: open %s: %w", path, err)}
	}
	// bbolt's default NoSync=false is kept: every committed write
	// transaction is fsynced before it returns.
	return &FileStore{db: db}, nil
}

func tenantBucketName(tenantID string) []byte {
	return []byte("t:" + tenantID)
}

func objectKey(kind store.Kind, hash string) []byte {
	return []byte(string(kind) + ":" + hash)
}

// Initialize is idempotent: bbolt buckets are created lazily per tenant on
// first write, so there is no global schema to set up beyond opening the
// file, which Open already did.
func (s *FileStore) Initialize(ctx context.Context) error {
	return nil
}

func (s *FileStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) Healthcheck(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *FileStore) tenantBucket(tx *bolt.Tx, tenantID string, create bool) (*bolt.Bucket, error) {
	name := tenantBucketName(tenantID)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	b := tx.Bucket(name)
	if b == nil {
		return nil, nil
	}
	return b, nil
}

func (s *FileStore) PutObject(ctx context.Context, tenantID string, kind store.Kind, hash string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, true)
		if err != nil {
			return err
		}
		ob, err := tb.CreateBucketIfNotExists(bucketObjects)
		if err != nil {
			return err
		}
		key := objectKey(kind, hash)
		if existing := ob.Get(key); existing != nil {
			// Idempotent: writing an object already present is a no-op.
			return nil
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		return ob.Put(key, buf)
	})
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) GetObject(ctx context.Context, tenantID string, kind store.Kind, hash string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil {
			return err
		}
		if tb == nil {
			return &cerr.NotFound{Kind: "hash", ID: hash}
		}
		ob := tb.Bucket(bucketObjects)
		if ob == nil {
			return &cerr.NotFound{Kind: "hash", ID: hash}
		}
		v := ob.Get(objectKey(kind, hash))
		if v == nil {
			return &cerr.NotFound{Kind: "hash", ID: hash}
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		var nf *cerr.NotFound
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	return out, nil
}

func (s *FileStore) HasObject(ctx context.Context, tenantID string, kind store.Kind, hash string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return err
		}
		ob := tb.Bucket(bucketObjects)
		if ob == nil {
			return nil
		}
		found = ob.Get(objectKey(kind, hash)) != nil
		return nil
	})
	if err != nil {
		return false, &cerr.BackendUnavailable{Cause: err}
	}
	return found, nil
}

func (s *FileStore) DeleteObject(ctx context.Context, tenantID string, kind store.Kind, hash string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return err
		}
		ob := tb.Bucket(bucketObjects)
		if ob == nil {
			return nil
		}
		return ob.Delete(objectKey(kind, hash))
	})
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) IterObjects(ctx context.Context, tenantID string, kind store.Kind, fn func(hash string, data []byte) error) error {
	prefix := []byte(string(kind) + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return err
		}
		ob := tb.Bucket(bucketObjects)
		if ob == nil {
			return nil
		}
		c := ob.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			hash := string(k[len(prefix):])
			if err := fn(hash, v); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *FileStore) GetRef(ctx context.Context, tenantID string, name string) (string, bool, error) {
	var value string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return err
		}
		rb := tb.Bucket(bucketRefs)
		if rb == nil {
			return nil
		}
		v := rb.Get([]byte(name))
		if v != nil {
			value = string(v)
			ok = true
		}
		return nil
	})
	if err != nil {
		return "", false, &cerr.BackendUnavailable{Cause: err}
	}
	return value, ok, nil
}

func (s *FileStore) SetRef(ctx context.Context, tenantID string, name string, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, true)
		if err != nil {
			return err
		}
		rb, err := tb.CreateBucketIfNotExists(bucketRefs)
		if err != nil {
			return err
		}
		return rb.Put([]byte(name), []byte(value))
	})
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) DeleteRef(ctx context.Context, tenantID string, name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil {
			return err
		}
		if tb == nil {
			return &cerr.NotFound{Kind: "ref", ID: name}
		}
		rb := tb.Bucket(bucketRefs)
		if rb == nil || rb.Get([]byte(name)) == nil {
			return &cerr.NotFound{Kind: "ref", ID: name}
		}
		return rb.Delete([]byte(name))
	})
	if err != nil {
		var nf *cerr.NotFound
		if errors.As(err, &nf) {
			return err
		}
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) ListRefs(ctx context.Context, tenantID string) (map[string]string, error) {
	out := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return err
		}
		rb := tb.Bucket(bucketRefs)
		if rb == nil {
			return nil
		}
		return rb.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	return out, nil
}

func (s *FileStore) CASRef(ctx context.Context, tenantID string, name string, expected *string, newValue string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, true)
		if err != nil {
			return err
		}
		rb, err := tb.CreateBucketIfNotExists(bucketRefs)
		if err != nil {
			return err
		}
		current := rb.Get([]byte(name))
		switch {
		case expected == nil && current != nil:
			return &cerr.Conflict{Ref: name, Expected: "<absent>", Actual: string(current)}
		case expected != nil && current == nil:
			return &cerr.Conflict{Ref: name, Expected: *expected, Actual: "<absent>"}
		case expected != nil && current != nil && *expected != string(current):
			return &cerr.Conflict{Ref: name, Expected: *expected, Actual: string(current)}
		}
		return rb.Put([]byte(name), []byte(newValue))
	})
	if err != nil {
		var c *cerr.Conflict
		if errors.As(err, &c) {
			return err
		}
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) AppendLog(ctx context.Context, tenantID string, seq int64, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, true)
		if err != nil {
			return err
		}
		lb, err := tb.CreateBucketIfNotExists(bucketLogs)
		if err != nil {
			return err
		}
		key := seqKey(seq)
		buf := make([]byte, len(data))
		copy(buf, data)
		return lb.Put(key, buf)
	})
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *FileStore) ReadLog(ctx context.Context, tenantID string, startSeq int64, limit int) ([]store.LogRecord, error) {
	var out []store.LogRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := s.tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return err
		}
		lb := tb.Bucket(bucketLogs)
		if lb == nil {
			return nil
		}
		c := lb.Cursor()
		for k, v := c.Seek(seqKey(startSeq)); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, store.LogRecord{Seq: decodeSeqKey(k), Data: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	return out, nil
}

// seqKey renders seq as a fixed-width, lexicographically sortable big-endian
// key so the bucket's natural byte ordering is also sequence order.
func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq & 0xff)
		seq >>= 8
	}
	return b
}

func decodeSeqKey(b []byte) int64 {
	var seq int64
	for _, c := range b {
		seq = (seq << 8) | int64(c)
	}
	return seq
}

var _ store.Store = (*FileStore)(nil)
