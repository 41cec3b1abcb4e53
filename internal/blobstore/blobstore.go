// Copyright 2025 James Ross
package blobstore

import (
	"context"
	"time"
)

// Store is the narrow surface this system needs against the external blob
// store. Artifact puts are performed by the downstream processor directly;
// the orchestrator only issues read access.
type Store interface {
	// Presign issues a time-bounded URL granting read access to key, valid
	// for ttl from now.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Stat reports whether key exists and, if so, its size in bytes.
	Stat(ctx context.Context, key string) (exists bool, size int64, err error)
	// Delete removes the object at key. Used by job cleanup on failure
	// paths that already uploaded a partial artifact.
	Delete(ctx context.Context, key string) error
}
