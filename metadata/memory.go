package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"docwatch.dev/kernel"
)

// Memory is an in-process Store used in tests, mirroring the teacher's
// mock-repository style: a mutex-guarded map standing in for the database.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]*kernel.TrackedDocument
	logs   []kernel.LogEntry
	status kernel.StatusRecord
}

// NewMemory returns an empty in-memory metadata store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*kernel.TrackedDocument)}
}

func (m *Memory) UpsertTracked(ctx context.Context, doc *kernel.TrackedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *Memory) GetTracked(ctx context.Context, id string) (*kernel.TrackedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, kernel.ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *Memory) FindTrackedByURL(ctx context.Context, url string) (*kernel.TrackedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.URL == url {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, kernel.ErrDocumentNotFound
}

// QueueDocs returns due documents in the base spec's priority order:
// never-fetched documents first (tiebroken by RandomKey), then stale
// documents (tiebroken by RandomKey).
func (m *Memory) QueueDocs(ctx context.Context, now time.Time) ([]kernel.TrackedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var neverFetched, stale []kernel.TrackedDocument
	for _, doc := range m.docs {
		switch {
		case doc.LastUpdate == nil:
			neverFetched = append(neverFetched, *doc)
		case doc.NextUpdateSet && doc.NextUpdate != nil && doc.NextUpdate.Before(now):
			stale = append(stale, *doc)
		}
	}
	sort.Slice(neverFetched, func(i, j int) bool { return neverFetched[i].RandomKey < neverFetched[j].RandomKey })
	sort.Slice(stale, func(i, j int) bool { return stale[i].RandomKey < stale[j].RandomKey })

	return append(neverFetched, stale...), nil
}

func (m *Memory) QueueSize(ctx context.Context, now time.Time) (int64, error) {
	docs, _ := m.QueueDocs(ctx, now)
	return int64(len(docs)), nil
}

func (m *Memory) AppendLog(ctx context.Context, entry kernel.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

// Logs returns a copy of the append-only log, newest last.
func (m *Memory) Logs() []kernel.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kernel.LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *Memory) IncrUpdateQueue(ctx context.Context, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.UpdateQueue += delta
	return m.status.UpdateQueue, nil
}

func (m *Memory) GetStatus(ctx context.Context) (kernel.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

// ListTracked returns a page of tracked documents ordered by ID.
func (m *Memory) ListTracked(ctx context.Context, offset, limit int) ([]kernel.TrackedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]kernel.TrackedDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, *doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return paginate(docs, offset, limit), nil
}

// ListLogs returns a page of the append-only log, newest first.
func (m *Memory) ListLogs(ctx context.Context, offset, limit int) ([]kernel.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]kernel.LogEntry, len(m.logs))
	for i, e := range m.logs {
		entries[len(m.logs)-1-i] = e
	}
	return paginate(entries, offset, limit), nil
}

// ListTrackedByClass returns every tracked document under docClass, tiebroken
// by random_key to match queue ordering.
func (m *Memory) ListTrackedByClass(ctx context.Context, docClass string) ([]kernel.TrackedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kernel.TrackedDocument
	for _, doc := range m.docs {
		if doc.DocClass == docClass {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RandomKey < out[j].RandomKey })
	return out, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
