// Package bolt wraps go.etcd.io/bbolt with the small set of bucket
// operations the rest of the module needs: an embedded, single-file blob
// store used by storage.Bolt.
package bolt

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DB wraps bbolt database with helper methods
type DB struct {
	*bolt.DB
}

// Open opens or creates a bbolt database
func Open(path string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{boltDB}, nil
}

// CreateBucket creates a bucket if it doesn't exist
func (db *DB) CreateBucket(name string) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		return nil
	})
}

// PutBytes stores a raw byte value in the specified bucket.
func (db *DB) PutBytes(bucket, key string, value []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

// GetBytes retrieves a raw byte value from the specified bucket.
func (db *DB) GetBytes(bucket, key string) ([]byte, error) {
	var data []byte
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", bucket)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key not found: %s", key)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

