package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDispatchRunsRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	var gotDocID string
	r.Register("index", func(ctx context.Context, docID string) error {
		gotDocID = docID
		return nil
	})

	err := r.Dispatch(context.Background(), "index", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", gotDocID)
}

func TestRegistryDispatchUnknownHandler(t *testing.T) {
	r := NewRegistry()
	err := r.Dispatch(context.Background(), "missing", "doc-1")
	assert.Error(t, err)
}

func TestRedisFanoutEnqueueAndConsume(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	fanout, err := NewRedisFanout(context.Background(), RedisFanoutConfig{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer fanout.Close()

	handler := fanout.Handler("reindex")
	require.NoError(t, handler(context.Background(), "doc-42"))

	depth, err := fanout.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := fanout.Consume(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "reindex", job.HandlerName)
	assert.Equal(t, "doc-42", job.DocID)
}

func TestRedisFanoutRequeueIncrementsRetryCount(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	fanout, err := NewRedisFanout(context.Background(), RedisFanoutConfig{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer fanout.Close()

	require.NoError(t, fanout.Requeue(context.Background(), FanoutJob{HandlerName: "reindex", DocID: "doc-1"}))

	job, err := fanout.Consume(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.RetryCount)
}
