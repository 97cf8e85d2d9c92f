// Package kernel implements the tracking kernel: the data model of tracked
// documents and their version histories, the update-queue ordering, and the
// per-document update pipeline (fetch, version-detect, persist, reschedule).
package kernel

import (
	"math/rand"
	"time"
)

// DocClass is a named tracking policy, registered at kernel construction.
type DocClass struct {
	// UpdateMins is nil for one-shot documents that are never auto-refetched.
	// Zero or negative is rejected at registration time.
	UpdateMins *int
	// StorageEngine names a backend registered with the kernel's storage registry.
	StorageEngine string
	// OnChanged lists downstream notification names fired when a new version lands.
	OnChanged []string
	// VersioningScheme names a registered comparison scheme, defaulting to "content-hash".
	VersioningScheme string
	// TextExtractor optionally names a registered extractor hook.
	TextExtractor string
}

// Version is one persisted snapshot of a tracked document.
type Version struct {
	Timestamp   time.Time `bson:"timestamp"`
	StorageKey  string    `bson:"storage_key"`
	StorageType string    `bson:"storage_type"`
}

// TrackedDocument is one record per tracked URL.
type TrackedDocument struct {
	ID       string                 `bson:"_id"`
	URL      string                 `bson:"url"`
	DocClass string                 `bson:"doc_class"`
	Metadata map[string]interface{} `bson:"metadata"`

	// RandomKey is fixed at creation and breaks ties in queue ordering.
	RandomKey int64 `bson:"random_key"`

	Versions []Version `bson:"versions"`

	// LastUpdate is nil until the first update attempt.
	LastUpdate *time.Time `bson:"last_update"`

	// NextUpdate/NextUpdateSet model the tri-state scheduling field:
	// NextUpdateSet == false means "never fetched" (highest queue priority);
	// NextUpdateSet == true and NextUpdate == nil means "retired, do not auto-refetch";
	// NextUpdateSet == true and NextUpdate != nil means "due at that time".
	NextUpdate    *time.Time `bson:"next_update"`
	NextUpdateSet bool       `bson:"next_update_set"`

	ConsecutiveErrors int `bson:"consecutive_errors"`
}

// neverFetched reports whether no update attempt has been made yet, the
// highest-priority bucket in queue ordering.
func (d *TrackedDocument) neverFetched() bool {
	return d.LastUpdate == nil
}

// LogEntry is one append-only line in the capped audit log.
type LogEntry struct {
	Action    string                 `bson:"action" json:"action"`
	URL       string                 `bson:"url" json:"url"`
	Error     string                 `bson:"error,omitempty" json:"error,omitempty"`
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
	Extra     map[string]interface{} `bson:"extra,omitempty" json:"extra,omitempty"`
}

// StatusRecord is the process-wide singleton tracking outstanding work.
type StatusRecord struct {
	UpdateQueue int64 `bson:"update_queue"`
}

// newRandomKey produces a uniformly random tiebreaker, mirroring the
// original implementation's per-document random float used for queue order.
func newRandomKey() int64 {
	return rand.Int63()
}
