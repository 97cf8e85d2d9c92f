package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	"docwatch.dev/db/bolt"
	"docwatch.dev/kernel"
)

const boltBucket = "blobs"

// Bolt is a single-file, embedded Backend backed by go.etcd.io/bbolt. It sits
// between Memory (tests) and S3 (production object store) for deployments
// that want durability without an external service.
type Bolt struct {
	db      *bolt.DB
	counter int64
}

// OpenBolt opens or creates a bbolt database at path, creating the blob
// bucket if it doesn't already exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage/bolt: %w", err)
	}
	if err := db.CreateBucket(boltBucket); err != nil {
		return nil, fmt.Errorf("storage/bolt: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) StorageType() string { return "bolt" }

func (b *Bolt) Put(ctx context.Context, ref kernel.DocRef, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%s/%d", ref.ID, atomic.AddInt64(&b.counter, 1))
	if err := b.db.PutBytes(boltBucket, key, data); err != nil {
		return "", fmt.Errorf("storage/bolt: put %s: %w", key, err)
	}
	return key, nil
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.db.GetBytes(boltBucket, key)
	if err != nil {
		return nil, fmt.Errorf("storage/bolt: get %s: %w", key, err)
	}
	return data, nil
}

// Close closes the underlying bbolt database.
func (b *Bolt) Close() error {
	return b.db.Close()
}
