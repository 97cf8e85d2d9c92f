package kernel

import "errors"

// Sentinel errors returned by kernel operations. Wrap with fmt.Errorf("...: %w", ...)
// at call sites that need additional context.
var (
	ErrUnknownDocClass    = errors.New("kernel: unknown doc class")
	ErrUnknownVersioning  = errors.New("kernel: unknown versioning scheme")
	ErrUnknownStorage     = errors.New("kernel: unknown storage engine")
	ErrTrackingConflict   = errors.New("kernel: document id already tracks a different url/class")
	ErrNoVersions         = errors.New("kernel: document has no persisted versions")
	ErrInvalidUpdateMins  = errors.New("kernel: update_mins must be nil or a positive number of minutes")
	ErrDocumentNotFound   = errors.New("kernel: tracked document not found")
	ErrUnknownTextExtract = errors.New("kernel: unknown text extractor")
)

// FetchError wraps a transport-level failure encountered while fetching a
// document. It is captured into the document's log/backoff state by Update,
// never propagated to the caller.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return "kernel: fetch " + e.URL + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError wraps a failure from the storage or metadata backend. Unlike
// FetchError, it is propagated to the caller of Update since it indicates the
// pipeline could not durably record its work.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "kernel: storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }
