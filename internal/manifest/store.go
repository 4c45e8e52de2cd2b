package manifest

import (
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/velo-sh/velo-rift-sub001/internal/errs"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
)

// Store is the durable, crash-consistent backing store for the manifest.
// It wraps a bbolt database the way phenix/store wraps one for config
// objects: one bucket of JSON-encoded values keyed by path, plus a small
// metadata bucket for bookkeeping (last compensation scan watermark etc).
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the bbolt file at path and ensures
// both buckets exist.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{NoFreelistSync: true})
	if err != nil {
		return nil, fmt.Errorf("manifest: opening store %q: %w", path, err)
	}
	s := &Store{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: ensuring buckets in %q: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the durable entry for path, or errs.ErrPathNotFound.
func (s *Store) Get(path string) (VnodeEntry, error) {
	var e VnodeEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(path))
		if v == nil {
			return errs.ErrPathNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return VnodeEntry{}, err
	}
	return e, nil
}

// Put writes (or overwrites) the durable entry for e.Path.
func (s *Store) Put(e VnodeEntry) error {
	v, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("manifest: marshaling entry for %q: %w", e.Path, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.Path), v)
	})
}

// Delete tombstones the durable entry for path by marking it Deleted
// rather than removing the key, so replay on reopen can distinguish
// "never existed" from "removed".
func (s *Store) Delete(path string) error {
	e, err := s.Get(path)
	if err != nil {
		if err == errs.ErrPathNotFound {
			return nil
		}
		return err
	}
	e.Deleted = true
	return s.Put(e)
}

// ForEach iterates every entry in path order, including tombstoned ones;
// callers filter on e.Deleted as needed.
func (s *Store) ForEach(fn func(VnodeEntry) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e VnodeEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("manifest: unmarshaling entry: %w", err)
			}
			return fn(e)
		})
	})
}

// GetMeta/PutMeta store small scalar bookkeeping values (e.g. the
// compensation scanner's last-seen watermark) keyed by name.
func (s *Store) GetMeta(key string) ([]byte, bool) {
	var v []byte
	s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketMeta).Get([]byte(key)); raw != nil {
			v = append([]byte(nil), raw...)
		}
		return nil
	})
	return v, v != nil
}

func (s *Store) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}
