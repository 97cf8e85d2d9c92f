// Package metadata provides durable stores for tracked-document records, the
// capped audit log, and the process-wide status document: a MongoDB-backed
// implementation for production, and an in-memory one for tests.
package metadata

import "docwatch.dev/kernel"

// Store is the durable record store the kernel reads and writes through.
type Store = kernel.MetadataStore
