package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docwatch.dev/kernel"
	"docwatch.dev/metadata"
	"docwatch.dev/storage"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return []byte("body"), "text/plain", nil
}

type noopNotifier struct{}

func (noopNotifier) Dispatch(ctx context.Context, name, docID string) error { return nil }

func updateMins(n int) *int { return &n }

func newTestKernel(t *testing.T) (*kernel.Kernel, *metadata.Memory) {
	t.Helper()
	meta := metadata.NewMemory()
	backends := map[string]kernel.Backend{"mem": storage.NewMemory()}
	classes := map[string]kernel.DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	k, err := kernel.New(meta, backends, classes, noopFetcher{}, noopNotifier{})
	require.NoError(t, err)
	return k, meta
}

func TestSchedulerDispatchesDueDocuments(t *testing.T) {
	k, meta := newTestKernel(t)
	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)

	s := New(k, Config{Interval: 10 * time.Millisecond, JobBuffer: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go s.Run(ctx)

	select {
	case job := <-s.Jobs():
		assert.Equal(t, id, job.DocID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for dispatched job")
	}

	status, err := meta.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.UpdateQueue)
}

func TestSchedulerSkipsTickWhileQueueNonEmpty(t *testing.T) {
	k, meta := newTestKernel(t)
	_, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)
	_, err = meta.IncrUpdateQueue(context.Background(), 1)
	require.NoError(t, err)

	docs, err := k.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, docs)
}
