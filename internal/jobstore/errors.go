// Copyright 2025 James Ross
package jobstore

import "errors"

// The Store's caller-visible error surface. Conflict and not-found are
// normal control-flow outcomes; storage-unavailable means the bounded
// write retry was exhausted and is fatal to the caller.
var (
	ErrNotFound          = errors.New("jobstore: not found")
	ErrDuplicateID       = errors.New("jobstore: duplicate id")
	ErrConflict          = errors.New("jobstore: conditional update conflict")
	ErrStorageUnavailable = errors.New("jobstore: storage unavailable")
)
