package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docwatch.dev/kernel"
)

func TestMemoryPutGetRoundTrip(t *testing.T) {
	backend := NewMemory()
	ref := kernel.DocRef{ID: "doc1", URL: "http://x", DocClass: "page"}

	key, err := backend.Put(context.Background(), ref, []byte("hello"), "text/plain")
	require.NoError(t, err)

	data, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "memory", backend.StorageType())
}

func TestMemoryGetMissingKey(t *testing.T) {
	backend := NewMemory()
	_, err := backend.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestBoltPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	backend, err := OpenBolt(path)
	require.NoError(t, err)
	defer backend.Close()

	ref := kernel.DocRef{ID: "doc1", URL: "http://x", DocClass: "page"}
	key, err := backend.Put(context.Background(), ref, []byte("snapshot-1"), "text/html")
	require.NoError(t, err)

	data, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-1"), data)
	assert.Equal(t, "bolt", backend.StorageType())
}

func TestS3PutGetRoundTripWithMockClient(t *testing.T) {
	mock := NewMockS3Client()
	mock.Buckets["docs"] = true
	backend := NewS3WithClient(mock, S3Config{Bucket: "docs", Prefix: "tracked"})

	ref := kernel.DocRef{ID: "doc1", URL: "http://x", DocClass: "page"}
	key, err := backend.Put(context.Background(), ref, []byte("v1"), "text/plain")
	require.NoError(t, err)
	assert.True(t, mock.PutObjectCalled)

	data, err := backend.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, "s3", backend.StorageType())
}
