package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docwatch.dev/common"
)

// DocRef is the minimal document identity passed to a storage backend's Put,
// kept separate from TrackedDocument so storage implementations don't need
// the full record (or the scheduling/version fields that change every update).
type DocRef struct {
	ID       string
	URL      string
	DocClass string
}

// Backend is the storage abstraction the kernel writes blobs through.
// Implementations live in package storage.
type Backend interface {
	StorageType() string
	Put(ctx context.Context, ref DocRef, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// MetadataStore is the durable record store the kernel reads and writes
// through. Implementations live in package metadata.
type MetadataStore interface {
	UpsertTracked(ctx context.Context, doc *TrackedDocument) error
	GetTracked(ctx context.Context, id string) (*TrackedDocument, error)
	FindTrackedByURL(ctx context.Context, url string) (*TrackedDocument, error)
	QueueDocs(ctx context.Context, now time.Time) ([]TrackedDocument, error)
	QueueSize(ctx context.Context, now time.Time) (int64, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	IncrUpdateQueue(ctx context.Context, delta int64) (int64, error)
	GetStatus(ctx context.Context) (StatusRecord, error)

	// ListTracked returns a page of tracked documents ordered by ID, for the
	// HTTP inspection surface. limit <= 0 means no limit.
	ListTracked(ctx context.Context, offset, limit int) ([]TrackedDocument, error)
	// ListLogs returns a page of the append-only log, newest first.
	ListLogs(ctx context.Context, offset, limit int) ([]LogEntry, error)
	// ListTrackedByClass returns every tracked document under docClass, for
	// the signal CLI's one-shot enumeration.
	ListTrackedByClass(ctx context.Context, docClass string) ([]TrackedDocument, error)
}

// Fetcher retrieves the current bytes behind a URL. Implementations live in
// package fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// Notifier dispatches a named downstream task for a document. Implementations
// live in package notify.
type Notifier interface {
	Dispatch(ctx context.Context, name, docID string) error
}

// TextExtractorFunc converts a persisted blob into plain text.
type TextExtractorFunc func(data []byte) (string, error)

// Kernel owns the tracking data model and runs the update pipeline.
type Kernel struct {
	meta       MetadataStore
	backends   map[string]Backend
	classes    map[string]DocClass
	versioning *VersioningRegistry
	fetcher    Fetcher
	notifier   Notifier
	extractors map[string]TextExtractorFunc

	retryWaitMinutes int
	retryAttempts    int
	now              func() time.Time
	log              *common.ContextLogger
}

// Option configures optional Kernel behavior.
type Option func(*Kernel)

// WithRetryPolicy sets the exponential-backoff parameters used when a fetch
// fails: the document is retried after retryWaitMinutes*2^(consecutiveErrors-1)
// minutes while consecutiveErrors <= retryAttempts, falling back to the doc
// class's normal update cadence afterward.
func WithRetryPolicy(retryWaitMinutes, retryAttempts int) Option {
	return func(k *Kernel) {
		k.retryWaitMinutes = retryWaitMinutes
		k.retryAttempts = retryAttempts
	}
}

// WithClock overrides the kernel's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

// WithTextExtractor registers a named text-extraction hook.
func WithTextExtractor(name string, fn TextExtractorFunc) Option {
	return func(k *Kernel) { k.extractors[name] = fn }
}

// WithVersioning registers an additional versioning scheme beyond the default
// "content-hash".
func WithVersioning(name string, fn VersioningFunc) Option {
	return func(k *Kernel) { k.versioning.Register(name, fn) }
}

// WithLogger overrides the kernel's structured logger.
func WithLogger(log *common.ContextLogger) Option {
	return func(k *Kernel) { k.log = log }
}

// New constructs a Kernel. classes must reference only backends present in
// backends; an UpdateMins of zero or negative is rejected immediately.
func New(meta MetadataStore, backends map[string]Backend, classes map[string]DocClass, fetcher Fetcher, notifier Notifier, opts ...Option) (*Kernel, error) {
	for name, class := range classes {
		if class.UpdateMins != nil && *class.UpdateMins <= 0 {
			return nil, fmt.Errorf("doc class %q: %w", name, ErrInvalidUpdateMins)
		}
		if _, ok := backends[class.StorageEngine]; !ok {
			return nil, fmt.Errorf("doc class %q references %w: %s", name, ErrUnknownStorage, class.StorageEngine)
		}
	}

	k := &Kernel{
		meta:             meta,
		backends:         backends,
		classes:          classes,
		versioning:       NewVersioningRegistry(),
		fetcher:          fetcher,
		notifier:         notifier,
		extractors:       make(map[string]TextExtractorFunc),
		retryWaitMinutes: 15,
		retryAttempts:    5,
		now:              time.Now,
		log:              common.ServiceLogger("kernel", "1"),
	}
	for _, opt := range opts {
		opt(k)
	}
	for _, class := range classes {
		if _, ok := k.versioning.Get(class.VersioningScheme); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVersioning, class.VersioningScheme)
		}
	}
	return k, nil
}

// mapsEqual reports whether two metadata maps hold the same keys and values.
func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", v) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// Track begins (or confirms) tracking of a URL under a doc class. Calling
// Track again with the same id is idempotent as long as url and docClass
// match the existing record; a mismatch is ErrTrackingConflict.
func (k *Kernel) Track(ctx context.Context, url, docClass, id string, metadata map[string]interface{}) (string, error) {
	if _, ok := k.classes[docClass]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDocClass, docClass)
	}

	var existing *TrackedDocument
	if id != "" {
		found, err := k.meta.GetTracked(ctx, id)
		if err != nil && err != ErrDocumentNotFound {
			return "", &StorageError{Op: "GetTracked", Err: err}
		}
		existing = found
	} else {
		found, err := k.meta.FindTrackedByURL(ctx, url)
		if err != nil && err != ErrDocumentNotFound {
			return "", &StorageError{Op: "FindTrackedByURL", Err: err}
		}
		existing = found
	}
	if existing != nil {
		if existing.URL != url || existing.DocClass != docClass {
			return "", ErrTrackingConflict
		}
		if metadata != nil && !mapsEqual(existing.Metadata, metadata) {
			existing.Metadata = metadata
			if err := k.meta.UpsertTracked(ctx, existing); err != nil {
				return "", &StorageError{Op: "UpsertTracked", Err: err}
			}
		}
		return existing.ID, nil
	}

	if id == "" {
		id = uuid.NewString()
	}

	doc := &TrackedDocument{
		ID:        id,
		URL:       url,
		DocClass:  docClass,
		Metadata:  metadata,
		RandomKey: newRandomKey(),
	}
	if err := k.meta.UpsertTracked(ctx, doc); err != nil {
		return "", &StorageError{Op: "UpsertTracked", Err: err}
	}
	k.log.WithField("doc_id", id).WithField("url", url).Info("tracking started")
	return id, nil
}

// Update runs the fetch -> version-detect -> persist -> reschedule pipeline
// for a single tracked document. Transport failures are captured into the
// document's log and backoff state, not returned; storage/metadata failures
// are returned since the pipeline could not durably record its work.
func (k *Kernel) Update(ctx context.Context, docID string) error {
	doc, err := k.meta.GetTracked(ctx, docID)
	if err != nil {
		return fmt.Errorf("update %s: %w", docID, err)
	}
	class, ok := k.classes[doc.DocClass]
	if !ok {
		return fmt.Errorf("update %s: %w: %s", docID, ErrUnknownDocClass, doc.DocClass)
	}

	now := k.now()
	fetchURL := strings.ReplaceAll(doc.URL, " ", "%20")

	data, contentType, fetchErr := k.fetcher.Fetch(ctx, fetchURL)
	if fetchErr != nil {
		return k.recordFetchFailure(ctx, doc, class, now, fetchErr)
	}
	return k.recordFetchSuccess(ctx, doc, class, now, data, contentType)
}

func (k *Kernel) recordFetchFailure(ctx context.Context, doc *TrackedDocument, class DocClass, now time.Time, fetchErr error) error {
	doc.ConsecutiveErrors++
	doc.LastUpdate = &now
	doc.NextUpdate, doc.NextUpdateSet = k.computeNextUpdate(now, doc.ConsecutiveErrors, class)

	fe := &FetchError{URL: doc.URL, Err: fetchErr}
	if err := k.meta.AppendLog(ctx, LogEntry{
		Action:    "update",
		URL:       doc.URL,
		Error:     fe.Error(),
		Timestamp: now,
	}); err != nil {
		return &StorageError{Op: "AppendLog", Err: err}
	}
	if err := k.meta.UpsertTracked(ctx, doc); err != nil {
		return &StorageError{Op: "UpsertTracked", Err: err}
	}
	k.log.WithField("doc_id", doc.ID).WithError(fe).Warn("update fetch failed")
	return nil
}

func (k *Kernel) recordFetchSuccess(ctx context.Context, doc *TrackedDocument, class DocClass, now time.Time, data []byte, contentType string) error {
	backend := k.backends[class.StorageEngine]

	changed := true
	if len(doc.Versions) > 0 {
		last := doc.Versions[len(doc.Versions)-1]
		oldData, err := backend.Get(ctx, last.StorageKey)
		if err != nil {
			return &StorageError{Op: "Get", Err: err}
		}
		versionFn, _ := k.versioning.Get(class.VersioningScheme)
		changed = versionFn(oldData, data)
	}

	if changed {
		key, err := backend.Put(ctx, DocRef{ID: doc.ID, URL: doc.URL, DocClass: doc.DocClass}, data, contentType)
		if err != nil {
			return &StorageError{Op: "Put", Err: err}
		}
		doc.Versions = append(doc.Versions, Version{
			Timestamp:   now,
			StorageKey:  key,
			StorageType: backend.StorageType(),
		})
		for _, name := range class.OnChanged {
			if err := k.notifier.Dispatch(ctx, name, doc.ID); err != nil {
				k.log.WithField("doc_id", doc.ID).WithField("handler", name).WithError(err).Warn("notification dispatch failed")
			}
		}
	}

	doc.ConsecutiveErrors = 0
	doc.LastUpdate = &now
	if class.UpdateMins == nil {
		doc.NextUpdate, doc.NextUpdateSet = nil, true
	} else {
		next := now.Add(time.Duration(*class.UpdateMins) * time.Minute)
		doc.NextUpdate, doc.NextUpdateSet = &next, true
	}

	if err := k.meta.AppendLog(ctx, LogEntry{
		Action:    "update",
		URL:       doc.URL,
		Timestamp: now,
		Extra:     map[string]interface{}{"changed": changed},
	}); err != nil {
		return &StorageError{Op: "AppendLog", Err: err}
	}
	if err := k.meta.UpsertTracked(ctx, doc); err != nil {
		return &StorageError{Op: "UpsertTracked", Err: err}
	}
	k.log.WithField("doc_id", doc.ID).WithField("changed", changed).Info("update complete")
	return nil
}

// computeNextUpdate implements the retry_wait_minutes * 2^(consecutiveErrors-1)
// backoff while within retryAttempts, falling back to the doc class's normal
// cadence (or permanent retirement, for one-shot classes) afterward.
func (k *Kernel) computeNextUpdate(now time.Time, consecutiveErrors int, class DocClass) (*time.Time, bool) {
	if consecutiveErrors <= k.retryAttempts {
		wait := time.Duration(k.retryWaitMinutes*(1<<uint(consecutiveErrors-1))) * time.Minute
		next := now.Add(wait)
		return &next, true
	}
	if class.UpdateMins == nil {
		return nil, true
	}
	next := now.Add(time.Duration(*class.UpdateMins) * time.Minute)
	return &next, true
}

// Queue returns the documents currently due for update, never-fetched first.
func (k *Kernel) Queue(ctx context.Context) ([]TrackedDocument, error) {
	docs, err := k.meta.QueueDocs(ctx, k.now())
	if err != nil {
		return nil, &StorageError{Op: "QueueDocs", Err: err}
	}
	return docs, nil
}

// QueueSize reports how many documents are currently due, without loading them.
func (k *Kernel) QueueSize(ctx context.Context) (int64, error) {
	n, err := k.meta.QueueSize(ctx, k.now())
	if err != nil {
		return 0, &StorageError{Op: "QueueSize", Err: err}
	}
	return n, nil
}

// Dispatch populates the outstanding-work counter and returns the batch of
// documents now due, mirroring UpdateTaskScheduler.run: if the counter is
// already nonzero, a previous batch hasn't finished draining, so this tick
// returns nothing rather than risk double-processing a document.
func (k *Kernel) Dispatch(ctx context.Context) ([]TrackedDocument, error) {
	status, err := k.meta.GetStatus(ctx)
	if err != nil {
		return nil, &StorageError{Op: "GetStatus", Err: err}
	}
	if status.UpdateQueue != 0 {
		return nil, nil
	}

	docs, err := k.Queue(ctx)
	if err != nil {
		return nil, err
	}
	for range docs {
		if _, err := k.meta.IncrUpdateQueue(ctx, 1); err != nil {
			return nil, &StorageError{Op: "IncrUpdateQueue", Err: err}
		}
	}
	return docs, nil
}

// CompleteUpdate decrements the outstanding-work counter after a worker
// finishes processing one document, whether or not the update succeeded.
func (k *Kernel) CompleteUpdate(ctx context.Context) error {
	if _, err := k.meta.IncrUpdateQueue(ctx, -1); err != nil {
		return &StorageError{Op: "IncrUpdateQueue", Err: err}
	}
	return nil
}

// LastVersion returns the bytes of the most recently persisted version.
func (k *Kernel) LastVersion(ctx context.Context, docID string) ([]byte, error) {
	doc, err := k.meta.GetTracked(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("last version %s: %w", docID, err)
	}
	if len(doc.Versions) == 0 {
		return nil, ErrNoVersions
	}
	class, ok := k.classes[doc.DocClass]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocClass, doc.DocClass)
	}
	backend := k.backends[class.StorageEngine]
	data, err := backend.Get(ctx, doc.Versions[len(doc.Versions)-1].StorageKey)
	if err != nil {
		return nil, &StorageError{Op: "Get", Err: err}
	}
	return data, nil
}

// ListTracked returns a page of tracked documents for the inspection surface.
func (k *Kernel) ListTracked(ctx context.Context, offset, limit int) ([]TrackedDocument, error) {
	docs, err := k.meta.ListTracked(ctx, offset, limit)
	if err != nil {
		return nil, &StorageError{Op: "ListTracked", Err: err}
	}
	return docs, nil
}

// GetTrackedDocument returns a single tracked record for the inspection surface.
func (k *Kernel) GetTrackedDocument(ctx context.Context, id string) (*TrackedDocument, error) {
	doc, err := k.meta.GetTracked(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListLogs returns a page of the append-only audit log for the inspection surface.
func (k *Kernel) ListLogs(ctx context.Context, offset, limit int) ([]LogEntry, error) {
	entries, err := k.meta.ListLogs(ctx, offset, limit)
	if err != nil {
		return nil, &StorageError{Op: "ListLogs", Err: err}
	}
	return entries, nil
}

// Status returns the process-wide outstanding-work counter for the inspection surface.
func (k *Kernel) Status(ctx context.Context) (StatusRecord, error) {
	status, err := k.meta.GetStatus(ctx)
	if err != nil {
		return StatusRecord{}, &StorageError{Op: "GetStatus", Err: err}
	}
	return status, nil
}

// DocumentsInClass returns every tracked document registered under docClass,
// for the signal CLI's one-shot enumeration.
func (k *Kernel) DocumentsInClass(ctx context.Context, docClass string) ([]TrackedDocument, error) {
	if _, ok := k.classes[docClass]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocClass, docClass)
	}
	docs, err := k.meta.ListTrackedByClass(ctx, docClass)
	if err != nil {
		return nil, &StorageError{Op: "ListTrackedByClass", Err: err}
	}
	return docs, nil
}

// Signal dispatches the named handler for docID directly, independent of a
// doc class's on_changed list, for the signal CLI's one-shot replay of a
// downstream task against already-tracked documents.
func (k *Kernel) Signal(ctx context.Context, name, docID string) error {
	return k.notifier.Dispatch(ctx, name, docID)
}

// ExtractText runs the doc class's registered text-extraction hook over the
// last persisted version, or returns the raw bytes as text if none is registered.
func (k *Kernel) ExtractText(ctx context.Context, docID string) (string, error) {
	doc, err := k.meta.GetTracked(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("extract text %s: %w", docID, err)
	}
	class, ok := k.classes[doc.DocClass]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDocClass, doc.DocClass)
	}
	data, err := k.LastVersion(ctx, docID)
	if err != nil {
		return "", err
	}
	if class.TextExtractor == "" {
		return string(data), nil
	}
	fn, ok := k.extractors[class.TextExtractor]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTextExtract, class.TextExtractor)
	}
	return fn(data)
}
