// Package storeadapter implements the Object Store Adapter: the in-use VDI
// bitmap that JOIN phase A ORs peer contributions into, and the
// stale-object purge pass recovery runs after a membership change. Backed
// by go.etcd.io/bbolt, grounded on the teacher's
// worker/storage/committee/node.go stateStore/syncedState pattern of a
// single bolt.DB holding small synced-state blobs.
package storeadapter

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/flocknode/sheepcore/common/logging"
)

var logger = logging.GetLogger("storeadapter")

var bitmapBucket = []byte("in_use_bitmap")
var objectsBucket = []byte("objects")

// Store is the local object-store adapter: a bolt.DB holding the in-use
// VDI bitmap and a manifest of locally-held object ids.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a store rooted at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storeadapter: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bitmapBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storeadapter: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying storage.
func (s *Store) Close() error {
	return s.db.Close()
}

var bitmapKey = []byte("current")

// Bitmap returns the current local in-use VDI bitmap.
func (s *Store) Bitmap() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bitmapBucket).Get(bitmapKey)
		out = append([]byte(nil), b...)
		return nil
	})
	return out, err
}

// Merge implements the event package's BitmapMerger: it ORs bits into the
// local in-use bitmap, byte by byte, extending the local bitmap if the
// incoming one is longer.
func (s *Store) Merge(bits []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bitmapBucket)
		existing := b.Get(bitmapKey)

		merged := make([]byte, len(bits))
		if len(existing) > len(merged) {
			merged = make([]byte, len(existing))
		}
		copy(merged, existing)
		for i, bit := range bits {
			merged[i] |= bit
		}
		return b.Put(bitmapKey, merged)
	})
}

// RecordObject marks oid as locally held.
func (s *Store) RecordObject(oid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(objectsBucket).Put([]byte(oid), []byte{1})
	})
}

// ForgetObject removes oid from the local manifest.
func (s *Store) ForgetObject(oid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(objectsBucket).Delete([]byte(oid))
	})
}

// HasObject reports whether oid is locally held.
func (s *Store) HasObject(oid string) (bool, error) {
	var present bool
	err := s.db.View(func(tx *bolt.Tx) error {
		present = tx.Bucket(objectsBucket).Get([]byte(oid)) != nil
		return nil
	})
	return present, err
}

// PurgeStaleObjects removes every locally-held object whose id does not
// satisfy shouldKeep (typically: object no longer maps to this node under
// the current vnode snapshot), run by the recovery module after a
// membership change settles.
func (s *Store) PurgeStaleObjects(shouldKeep func(oid string) bool) (int, error) {
	var stale [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(objectsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !shouldKeep(string(k)) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.Info("purged stale objects", "count", len(stale))
	return len(stale), nil
}
