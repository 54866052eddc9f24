// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Chunk fetch timeouts and retry policy.
const (
	// requestTimeout bounds the wait for response headers.
	requestTimeout = 60 * time.Second

	// resourceTimeout bounds one complete chunk transfer.
	resourceTimeout = 300 * time.Second

	// maxFetchAttempts is the total number of tries per chunk.
	maxFetchAttempts = 3
)

// chunkFetcher downloads a single chunk, verifies its digest, and places
// it atomically into its slot. Recoverable failures are retried with
// exponential backoff; attempt and failure counts are recorded in the
// coordinator for adaptive concurrency.
type chunkFetcher struct {
	httpc  *http.Client
	paths  pathSet
	coord  *coordinator
	logger *zap.Logger
}

func newChunkFetcher(httpc *http.Client, paths pathSet, coord *coordinator, logger *zap.Logger) *chunkFetcher {
	return &chunkFetcher{httpc: httpc, paths: paths, coord: coord, logger: logger}
}

// fetch downloads the chunk and returns its byte length on success.
func (f *chunkFetcher) fetch(ctx context.Context, modelID string, ch ChunkInfo) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		f.coord.recordAttempt()
		n, err := f.fetchOnce(ctx, modelID, ch)
		if err == nil {
			return n, nil
		}
		f.coord.recordFailure()
		lastErr = err

		if !isRecoverable(err) {
			return 0, err
		}
		if attempt < maxFetchAttempts-1 {
			f.logger.Debug("chunk fetch retry",
				zap.String("model", modelID),
				zap.Int("chunk", ch.Index),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return 0, ctx.Err()
			}
		}
	}
	return 0, lastErr
}

// fetchOnce performs a single GET of the signed URL, streaming the body to
// a temp file while hashing, then renames into the chunk slot on a digest
// match.
func (f *chunkFetcher) fetchOnce(ctx context.Context, modelID string, ch ChunkInfo) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, resourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.SignedURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: ch.SignedURL}
	}

	slot := f.paths.chunk(modelID, ch.Index)
	tmp := slot + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != ch.Hash {
		os.Remove(tmp)
		return 0, &HashMismatchError{Index: ch.Index, Expected: ch.Hash, Actual: actual}
	}

	// Atomic placement: remove any prior slot, rename into place.
	os.Remove(slot)
	if err := os.Rename(tmp, slot); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
