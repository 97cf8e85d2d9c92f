package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMeta is a minimal in-process MetadataStore for kernel unit tests.
type fakeMeta struct {
	docs   map[string]*TrackedDocument
	logs   []LogEntry
	status StatusRecord
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{docs: make(map[string]*TrackedDocument)}
}

func (f *fakeMeta) UpsertTracked(ctx context.Context, doc *TrackedDocument) error {
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeMeta) GetTracked(ctx context.Context, id string) (*TrackedDocument, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeMeta) FindTrackedByURL(ctx context.Context, url string) (*TrackedDocument, error) {
	for _, d := range f.docs {
		if d.URL == url {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDocumentNotFound
}

func (f *fakeMeta) QueueDocs(ctx context.Context, now time.Time) ([]TrackedDocument, error) {
	var due []TrackedDocument
	for _, d := range f.docs {
		if d.neverFetched() || (d.NextUpdateSet && d.NextUpdate != nil && d.NextUpdate.Before(now)) {
			due = append(due, *d)
		}
	}
	return due, nil
}

func (f *fakeMeta) QueueSize(ctx context.Context, now time.Time) (int64, error) {
	docs, _ := f.QueueDocs(ctx, now)
	return int64(len(docs)), nil
}

func (f *fakeMeta) AppendLog(ctx context.Context, entry LogEntry) error {
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeMeta) IncrUpdateQueue(ctx context.Context, delta int64) (int64, error) {
	f.status.UpdateQueue += delta
	return f.status.UpdateQueue, nil
}

func (f *fakeMeta) GetStatus(ctx context.Context) (StatusRecord, error) {
	return f.status, nil
}

func (f *fakeMeta) ListTracked(ctx context.Context, offset, limit int) ([]TrackedDocument, error) {
	var out []TrackedDocument
	for _, doc := range f.docs {
		out = append(out, *doc)
	}
	return out, nil
}

func (f *fakeMeta) ListLogs(ctx context.Context, offset, limit int) ([]LogEntry, error) {
	return f.logs, nil
}

func (f *fakeMeta) ListTrackedByClass(ctx context.Context, docClass string) ([]TrackedDocument, error) {
	var out []TrackedDocument
	for _, doc := range f.docs {
		if doc.DocClass == docClass {
			out = append(out, *doc)
		}
	}
	return out, nil
}

// fakeBackend is an in-memory Backend.
type fakeBackend struct {
	name string
	blob map[string][]byte
	seq  int
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, blob: make(map[string][]byte)}
}

func (b *fakeBackend) StorageType() string { return b.name }

func (b *fakeBackend) Put(ctx context.Context, ref DocRef, data []byte, contentType string) (string, error) {
	b.seq++
	key := ref.ID + "/v" + time.Now().Format("150405") + "-" + string(rune('a'+b.seq))
	b.blob[key] = append([]byte(nil), data...)
	return key, nil
}

func (b *fakeBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := b.blob[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

// fakeFetcher returns a queued sequence of responses, one per call.
type fakeFetcher struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	r := f.responses[f.calls]
	f.calls++
	return r.data, "text/plain", r.err
}

type fakeNotifier struct{ dispatched []string }

func (n *fakeNotifier) Dispatch(ctx context.Context, name, docID string) error {
	n.dispatched = append(n.dispatched, name+":"+docID)
	return nil
}

func updateMins(n int) *int { return &n }

func TestTrackIsIdempotent(t *testing.T) {
	meta := newFakeMeta()
	backends := map[string]Backend{"mem": newFakeBackend("mem")}
	classes := map[string]DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	k, err := New(meta, backends, classes, &fakeFetcher{}, &fakeNotifier{})
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "doc1", nil)
	require.NoError(t, err)
	assert.Equal(t, "doc1", id)

	id2, err := k.Track(context.Background(), "http://example.com/a", "page", "doc1", nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	_, err = k.Track(context.Background(), "http://example.com/different", "page", "doc1", nil)
	assert.ErrorIs(t, err, ErrTrackingConflict)
}

func TestTrackUnknownDocClass(t *testing.T) {
	meta := newFakeMeta()
	backends := map[string]Backend{"mem": newFakeBackend("mem")}
	k, err := New(meta, backends, map[string]DocClass{}, &fakeFetcher{}, &fakeNotifier{})
	require.NoError(t, err)

	_, err = k.Track(context.Background(), "http://example.com", "nope", "", nil)
	assert.ErrorIs(t, err, ErrUnknownDocClass)
}

func TestNewRejectsInvalidUpdateMins(t *testing.T) {
	zero := 0
	classes := map[string]DocClass{"page": {UpdateMins: &zero, StorageEngine: "mem"}}
	_, err := New(newFakeMeta(), map[string]Backend{"mem": newFakeBackend("mem")}, classes, &fakeFetcher{}, &fakeNotifier{})
	assert.ErrorIs(t, err, ErrInvalidUpdateMins)
}

func TestUpdatePersistsFirstVersionAndNotifies(t *testing.T) {
	meta := newFakeMeta()
	backend := newFakeBackend("mem")
	notifier := &fakeNotifier{}
	classes := map[string]DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem", OnChanged: []string{"reindex"}}}
	fetcher := &fakeFetcher{responses: []fakeResponse{{data: []byte("v1")}}}

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k, err := New(meta, map[string]Backend{"mem": backend}, classes, fetcher, notifier, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)

	require.NoError(t, k.Update(context.Background(), id))

	doc, err := meta.GetTracked(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, doc.Versions, 1)
	assert.Equal(t, 0, doc.ConsecutiveErrors)
	require.NotNil(t, doc.NextUpdate)
	assert.Equal(t, fixedNow.Add(60*time.Minute), *doc.NextUpdate)
	assert.Equal(t, []string{"reindex:" + id}, notifier.dispatched)
}

func TestUpdateSkipsUnchangedContent(t *testing.T) {
	meta := newFakeMeta()
	backend := newFakeBackend("mem")
	classes := map[string]DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	fetcher := &fakeFetcher{responses: []fakeResponse{
		{data: []byte("same")},
		{data: []byte("same")},
	}}
	k, err := New(meta, map[string]Backend{"mem": backend}, classes, fetcher, &fakeNotifier{})
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)
	require.NoError(t, k.Update(context.Background(), id))
	require.NoError(t, k.Update(context.Background(), id))

	doc, err := meta.GetTracked(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, doc.Versions, 1, "unchanged content must not create a second version")
}

func TestUpdateBacksOffOnFetchErrorThenFallsBackToNormalCadence(t *testing.T) {
	meta := newFakeMeta()
	backend := newFakeBackend("mem")
	classes := map[string]DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	fetchErr := errors.New("connection refused")
	fetcher := &fakeFetcher{responses: []fakeResponse{
		{err: fetchErr}, {err: fetchErr}, {err: fetchErr}, {err: fetchErr}, {data: []byte("ok")},
	}}
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k, err := New(meta, map[string]Backend{"mem": backend}, classes, fetcher, &fakeNotifier{},
		WithRetryPolicy(5, 3), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)

	require.NoError(t, k.Update(context.Background(), id))
	doc, _ := meta.GetTracked(context.Background(), id)
	assert.Equal(t, 1, doc.ConsecutiveErrors)
	assert.Equal(t, fixedNow.Add(5*time.Minute), *doc.NextUpdate) // 5 * 2^0

	require.NoError(t, k.Update(context.Background(), id))
	doc, _ = meta.GetTracked(context.Background(), id)
	assert.Equal(t, 2, doc.ConsecutiveErrors)
	assert.Equal(t, fixedNow.Add(10*time.Minute), *doc.NextUpdate) // 5 * 2^1

	require.NoError(t, k.Update(context.Background(), id))
	doc, _ = meta.GetTracked(context.Background(), id)
	assert.Equal(t, 3, doc.ConsecutiveErrors)
	assert.Equal(t, fixedNow.Add(20*time.Minute), *doc.NextUpdate) // 5 * 2^2

	require.NoError(t, k.Update(context.Background(), id))
	doc, _ = meta.GetTracked(context.Background(), id)
	assert.Equal(t, 4, doc.ConsecutiveErrors)
	// consecutiveErrors (4) > retryAttempts (3): falls back to normal cadence
	assert.Equal(t, fixedNow.Add(60*time.Minute), *doc.NextUpdate)

	require.NoError(t, k.Update(context.Background(), id))
	doc, _ = meta.GetTracked(context.Background(), id)
	assert.Equal(t, 0, doc.ConsecutiveErrors, "a subsequent success resets the error count")
	assert.Equal(t, fixedNow.Add(60*time.Minute), *doc.NextUpdate)
}

func TestTrackWithoutIDIsIdempotentByURL(t *testing.T) {
	meta := newFakeMeta()
	classes := map[string]DocClass{
		"page":        {UpdateMins: updateMins(60), StorageEngine: "mem"},
		"other_class": {UpdateMins: updateMins(60), StorageEngine: "mem"},
	}
	k, err := New(meta, map[string]Backend{"mem": newFakeBackend("mem")}, classes, &fakeFetcher{}, &fakeNotifier{})
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", map[string]interface{}{"pi": 3})
	require.NoError(t, err)

	id2, err := k.Track(context.Background(), "http://example.com/a", "page", "", map[string]interface{}{"pi": 3})
	require.NoError(t, err)
	assert.Equal(t, id, id2, "tracking the same url/class twice must return the same id, not create a second record")

	id3, err := k.Track(context.Background(), "http://example.com/a", "page", "", map[string]interface{}{"pi": 4})
	require.NoError(t, err)
	assert.Equal(t, id, id3)
	doc, err := meta.GetTracked(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Metadata["pi"], "differing metadata on a re-track must be updated in place")

	_, err = k.Track(context.Background(), "http://example.com/a", "other_class", "", nil)
	assert.ErrorIs(t, err, ErrTrackingConflict)
}

func TestQueueReturnsNeverFetchedAndStaleDocuments(t *testing.T) {
	meta := newFakeMeta()
	classes := map[string]DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	k, err := New(meta, map[string]Backend{"mem": newFakeBackend("mem")}, classes, &fakeFetcher{}, &fakeNotifier{})
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	lastUpdate := time.Now().Add(-2 * time.Hour)
	meta.docs["stale"] = &TrackedDocument{ID: "stale", URL: "http://x/stale", DocClass: "page",
		LastUpdate: &lastUpdate, NextUpdate: &past, NextUpdateSet: true}
	meta.docs["fresh"] = &TrackedDocument{ID: "never", URL: "http://x/never", DocClass: "page"}

	due, err := k.Queue(context.Background())
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestLastVersionErrorsWithoutVersions(t *testing.T) {
	meta := newFakeMeta()
	classes := map[string]DocClass{"page": {UpdateMins: updateMins(60), StorageEngine: "mem"}}
	k, err := New(meta, map[string]Backend{"mem": newFakeBackend("mem")}, classes, &fakeFetcher{}, &fakeNotifier{})
	require.NoError(t, err)

	id, err := k.Track(context.Background(), "http://example.com/a", "page", "", nil)
	require.NoError(t, err)

	_, err = k.LastVersion(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoVersions)
}
