// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrInvalidModelID is returned when a model id is empty, too long, or
	// contains path separators or non-printable characters.
	ErrInvalidModelID = errors.New("invalid model id")

	// ErrBusy is returned when a download for the same model id is already
	// in flight, either in this process or in another process holding the
	// model lock.
	ErrBusy = errors.New("download already in progress for this model")

	// ErrCancelled is returned when a download was cancelled by the caller.
	ErrCancelled = errors.New("download cancelled")

	// ErrNotFound is returned by Delete when a model id has neither a
	// completed artifact nor partial state on disk.
	ErrNotFound = errors.New("model not found in local catalog")

	// ErrManifestInvalid is returned when the coordination service returns
	// a manifest with missing or non-contiguous chunks.
	ErrManifestInvalid = errors.New("manifest invalid: chunk indices not contiguous")
)

// StatusError represents a non-2xx response from the coordination service
// or a chunk URL.
type StatusError struct {
	Code   int
	Status string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d (%s)", e.Code, e.Status)
}

// IsRetryable returns true if the request might succeed on retry.
func (e *StatusError) IsRetryable() bool {
	switch {
	case e.Code == 429:
		return true
	case e.Code >= 500 && e.Code <= 599:
		return true
	default:
		return false
	}
}

// HashMismatchError is returned when a downloaded chunk's digest does not
// match the manifest. Chunk hash mismatches are retried by the fetcher.
type HashMismatchError struct {
	Index    int
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("chunk %d hash mismatch: expected %s got %s", e.Index, e.Expected, e.Actual)
}

// WholeHashMismatchError is returned when the assembled artifact's digest
// does not match the manifest's whole-file hash. The artifact is deleted
// before this error surfaces.
type WholeHashMismatchError struct {
	Expected string
	Actual   string
}

func (e *WholeHashMismatchError) Error() string {
	return fmt.Sprintf("artifact hash mismatch: expected %s got %s", e.Expected, e.Actual)
}

// ChunkCorruptedError is returned when a chunk that previously passed
// validation fails re-validation during merge.
type ChunkCorruptedError struct {
	Index int
}

func (e *ChunkCorruptedError) Error() string {
	return fmt.Sprintf("chunk %d corrupted on disk during merge", e.Index)
}

// DiskSpaceError is returned when the storage volume does not have enough
// free space for the download.
type DiskSpaceError struct {
	Required  int64
	Available int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space: need %d bytes, %d available", e.Required, e.Available)
}

// PostProcessError is returned when the post-process hook fails. The
// assembled artifact and the journal are left on disk for inspection.
type PostProcessError struct {
	Reason string
	Err    error
}

func (e *PostProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("post-processing failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("post-processing failed: %s", e.Reason)
}

func (e *PostProcessError) Unwrap() error {
	return e.Err
}

// isRecoverable reports whether the fetcher should retry after err.
// Transport failures and retryable statuses are recoverable; chunk hash
// mismatches are recoverable because a re-fetch may return correct bytes.
func isRecoverable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	var he *HashMismatchError
	if errors.As(err, &he) {
		return true
	}
	var we *WholeHashMismatchError
	if errors.As(err, &we) {
		return false
	}
	var ce *ChunkCorruptedError
	if errors.As(err, &ce) {
		return false
	}
	var de *DiskSpaceError
	if errors.As(err, &de) {
		return false
	}
	var pe *PostProcessError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrBusy) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Anything else that reached the fetcher is a transport-level failure.
	return true
}
