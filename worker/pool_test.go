package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docwatch.dev/kernel"
	"docwatch.dev/metadata"
	"docwatch.dev/scheduler"
	"docwatch.dev/storage"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return []byte("body"), "text/plain", nil
}

type noopNotifier struct{}

func (noopNotifier) Dispatch(ctx context.Context, name, docID string) error { return nil }

func updateMins(n int) *int { return &n }

func TestPoolProcessesJobsAndCompletesUpdate(t *testing.T) {
	meta := metadata.NewMemory()
	backends := map[string]kernel.Backend{"mem": storage.NewMemory()}
	classes := map[string]kernel.DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	k, err := kernel.New(meta, backends, classes, noopFetcher{}, noopNotifier{})
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)
	_, err = meta.IncrUpdateQueue(context.Background(), 1)
	require.NoError(t, err)

	jobs := make(chan scheduler.Job, 1)
	jobs <- scheduler.Job{DocID: id}
	close(jobs)

	pool := NewPool(k, Config{NumWorkers: 2, JobTimeout: time.Second})
	pool.Run(context.Background(), jobs)

	doc, err := meta.GetTracked(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, doc.Versions, 1)

	status, err := meta.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.UpdateQueue)
}
