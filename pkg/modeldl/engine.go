// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// revalidateConcurrency bounds the parallel re-hashing of resumed chunks.
const revalidateConcurrency = 4

// diskSpaceFactor is the multiple of the estimated artifact size that must
// be free on the storage volume before fetching proceeds. Chunks and the
// merged artifact coexist briefly, hence the factor of two.
const diskSpaceFactor = 2

// engine executes one download from manifest fetch to finalized artifact.
// It is stateless between runs; all per-run state lives in the coordinator
// and the on-disk journal.
type engine struct {
	paths     pathSet
	manifests *manifestClient
	journals  *journalStore
	httpc     *http.Client
	postproc  PostProcessor
	nativeExt string
	logger    *zap.Logger

	// freeSpace reports available bytes on the volume containing a path.
	freeSpace func(string) (int64, error)
}

func newEngine(paths pathSet, manifests *manifestClient, journals *journalStore, httpc *http.Client, postproc PostProcessor, nativeExt string, logger *zap.Logger) *engine {
	return &engine{
		paths:     paths,
		manifests: manifests,
		journals:  journals,
		httpc:     httpc,
		postproc:  postproc,
		nativeExt: nativeExt,
		logger:    logger,
		freeSpace: freeDiskSpace,
	}
}

// fetchResult carries one chunk outcome from a fetch goroutine.
type fetchResult struct {
	index int
	size  int64
	err   error
}

// run drives the full state machine for modelID and returns the finalized
// artifact path and its metadata path.
//
// Cancellation via ctx discards all partial state for the model and
// returns ErrCancelled. Any other failure leaves validated chunks and the
// journal on disk so a later attempt can resume.
func (e *engine) run(ctx context.Context, modelID string, progress ProgressFunc) (string, string, error) {
	if progress != nil {
		progress(DetailedProgress{Phase: PhaseInitializing})
	}

	m, err := e.manifests.fetch(ctx, modelID)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ErrCancelled
		}
		return "", "", err
	}

	willCompile := m.FileExt == e.nativeExt && e.postproc != nil
	em := newProgressEmitter(progress, m.TotalChunks(), willCompile)
	coord := newCoordinator()

	j, err := e.plan(ctx, m, coord)
	if err != nil {
		if ctx.Err() != nil {
			e.purge(modelID, m.TotalChunks())
			return "", "", ErrCancelled
		}
		return "", "", err
	}
	if err := e.journals.save(j); err != nil {
		return "", "", err
	}

	if err := e.download(ctx, m, j, coord, em); err != nil {
		if ctx.Err() != nil {
			e.purge(modelID, m.TotalChunks())
			return "", "", ErrCancelled
		}
		return "", "", err
	}

	artifact, err := e.assemble(ctx, m, em)
	if err != nil {
		if ctx.Err() != nil {
			e.purge(modelID, m.TotalChunks())
			return "", "", ErrCancelled
		}
		return "", "", err
	}

	final, err := e.postProcess(ctx, m, artifact, em)
	if err != nil {
		if ctx.Err() != nil {
			e.purge(modelID, m.TotalChunks())
			return "", "", ErrCancelled
		}
		return "", "", err
	}

	mdPath, err := e.finalize(m)
	if err != nil {
		return "", "", err
	}
	em.complete(coord.totalBytes())
	e.logger.Info("download complete",
		zap.String("model", modelID),
		zap.String("artifact", final),
		zap.Int64("bytes", coord.totalBytes()))
	return final, mdPath, nil
}

// plan reconciles the manifest against any existing journal and on-disk
// chunks. A journal whose whole-file hash or chunk count disagrees with
// the manifest is stale: all partial state is discarded. Chunks claimed
// validated are re-hashed, a few files at a time, so corruption between
// runs is caught here rather than at merge.
func (e *engine) plan(ctx context.Context, m *Manifest, coord *coordinator) (*Journal, error) {
	prior := e.journals.load(m.ModelID)
	if prior != nil && (prior.WholeHash != m.WholeHash || prior.TotalChunks != m.TotalChunks()) {
		e.logger.Info("manifest rotated since last attempt, discarding partial state",
			zap.String("model", m.ModelID))
		e.purge(m.ModelID, prior.TotalChunks)
		prior = nil
	}

	if prior != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(revalidateConcurrency)
		for _, idx := range prior.ValidatedChunks {
			if idx < 0 || idx >= m.TotalChunks() {
				continue
			}
			idx := idx
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				slot := e.paths.chunk(m.ModelID, idx)
				sum, err := hashFile(slot)
				if err != nil || sum != m.Chunks[idx].Hash {
					os.Remove(slot)
					return nil
				}
				fi, err := os.Stat(slot)
				if err != nil {
					return nil
				}
				coord.markValidated(idx, fi.Size())
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, ErrCancelled
		}
		if n := coord.validatedCount(); n > 0 {
			e.logger.Info("resuming download",
				zap.String("model", m.ModelID),
				zap.Int("validated", n),
				zap.Int("total", m.TotalChunks()))
		}
	}

	j := newJournal(m)
	j.ValidatedChunks = coord.snapshotValidated()
	return j, nil
}

// download fetches every pending chunk. Launch width follows the
// coordinator's concurrency level, re-read before each launch so a rising
// failure ratio narrows the window mid-flight. The first failure stops new
// launches and cancels in-flight fetches; remaining goroutines are drained
// before returning.
func (e *engine) download(ctx context.Context, m *Manifest, j *Journal, coord *coordinator, em *progressEmitter) error {
	em.phase(PhaseDownloading)

	var pending []ChunkInfo
	for _, ch := range m.Chunks {
		if !coord.isValidated(ch.Index) {
			pending = append(pending, ch)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// With resumed chunks the size estimate is already known, so the disk
	// guard can run before any network traffic. Otherwise it runs once
	// after the first chunk lands.
	guarded := false
	if coord.validatedCount() > 0 {
		if err := e.checkDisk(coord, m.TotalChunks()); err != nil {
			return err
		}
		guarded = true
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fetcher := newChunkFetcher(e.httpc, e.paths, coord, e.logger)

	results := make(chan fetchResult)
	inflight := 0
	next := 0
	var firstErr error

	for next < len(pending) || inflight > 0 {
		for firstErr == nil && next < len(pending) && inflight < coord.concurrencyLevel() {
			ch := pending[next]
			next++
			inflight++
			go func(ch ChunkInfo) {
				n, err := fetcher.fetch(fctx, m.ModelID, ch)
				results <- fetchResult{index: ch.Index, size: n, err: err}
			}(ch)
		}
		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}

		coord.markValidated(res.index, res.size)
		j.ValidatedChunks = coord.snapshotValidated()
		if err := e.journals.save(j); err != nil && firstErr == nil {
			firstErr = err
			cancel()
			continue
		}
		em.chunk(coord.validatedCount(), coord.totalBytes())

		if !guarded {
			guarded = true
			if err := e.checkDisk(coord, m.TotalChunks()); err != nil && firstErr == nil {
				firstErr = err
				cancel()
			}
		}
	}
	return firstErr
}

// checkDisk verifies the storage volume has diskSpaceFactor times the
// estimated whole-artifact size free, chunks already on disk included in
// the estimate.
func (e *engine) checkDisk(coord *coordinator, totalChunks int) error {
	estimated := estimateTotal(coord.totalBytes(), coord.validatedCount(), totalChunks)
	required := estimated * diskSpaceFactor
	avail, err := e.freeSpace(e.paths.root)
	if err != nil {
		e.logger.Warn("disk space check unavailable", zap.Error(err))
		return nil
	}
	if avail < required {
		return &DiskSpaceError{Required: required, Available: avail}
	}
	return nil
}

// assemble concatenates the chunk files in index order into the generic
// artifact, re-hashing each chunk and the whole stream in one pass. The
// merged file appears at its final path only after the whole-file digest
// matches.
func (e *engine) assemble(ctx context.Context, m *Manifest, em *progressEmitter) (string, error) {
	em.phase(PhaseMerging)

	target := e.paths.artifact(m.ModelID)
	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	whole := sha256.New()
	buf := make([]byte, hashBufferSize)
	for i := 0; i < m.TotalChunks(); i++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tmp)
			return "", ErrCancelled
		}
		if err := appendChunk(out, whole, buf, e.paths.chunk(m.ModelID, i), m.Chunks[i].Hash, i); err != nil {
			out.Close()
			os.Remove(tmp)
			return "", err
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}

	em.phase(PhaseValidating)
	actual := hex.EncodeToString(whole.Sum(nil))
	if actual != m.WholeHash {
		os.Remove(tmp)
		return "", &WholeHashMismatchError{Expected: m.WholeHash, Actual: actual}
	}

	os.Remove(target)
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return target, nil
}

// appendChunk streams one chunk file into the merge output while feeding
// the whole-file hash, and verifies the chunk digest a final time.
func appendChunk(out io.Writer, whole io.Writer, buf []byte, slot, expected string, index int) error {
	f, err := os.Open(slot)
	if err != nil {
		return &ChunkCorruptedError{Index: index}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(io.MultiWriter(out, whole, h), f, buf); err != nil {
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != expected {
		return &ChunkCorruptedError{Index: index}
	}
	return nil
}

// postProcess runs the native-format hook when the manifest calls for it.
// A manifest asking for native handling with no hook configured keeps the
// generic artifact and logs a warning. On hook failure the generic
// artifact and the journal stay on disk.
func (e *engine) postProcess(ctx context.Context, m *Manifest, artifact string, em *progressEmitter) (string, error) {
	if m.FileExt != e.nativeExt {
		return artifact, nil
	}
	if e.postproc == nil {
		e.logger.Warn("native format requested but no post-processor configured, keeping generic artifact",
			zap.String("model", m.ModelID),
			zap.String("fileExt", m.FileExt))
		return artifact, nil
	}

	em.phase(PhaseCompiling)
	final, err := e.postproc.Transform(ctx, artifact, m.ModelID)
	if err != nil {
		var pe *PostProcessError
		if !errors.As(err, &pe) {
			err = &PostProcessError{Reason: "transform hook", Err: err}
		}
		return "", err
	}
	// The hook may have consumed the source already.
	if final != artifact {
		os.Remove(artifact)
	}
	return final, nil
}

// finalize writes artifact metadata atomically, then removes the journal
// and the chunk files. Metadata lands before cleanup so a crash between
// the two leaves a usable artifact plus stale chunks rather than an
// orphaned artifact.
func (e *engine) finalize(m *Manifest) (string, error) {
	md := ArtifactMetadata{
		ModelName:    m.ModelName,
		ModelID:      m.ModelID,
		Version:      m.Version,
		Description:  m.Description,
		Category:     m.Category,
		Hash:         m.WholeHash,
		DownloadDate: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&md, "", "  ")
	if err != nil {
		return "", err
	}

	mdPath := e.paths.metadata(m.ModelID)
	tmp := mdPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, mdPath); err != nil {
		os.Remove(tmp)
		return "", err
	}

	e.journals.delete(m.ModelID)
	for i := 0; i < m.TotalChunks(); i++ {
		os.Remove(e.paths.chunk(m.ModelID, i))
	}
	return mdPath, nil
}

// purge removes every trace of an unfinished download: chunk files, the
// merge temp, and the journal. Finalized artifacts and metadata are never
// touched.
func (e *engine) purge(modelID string, totalChunks int) {
	for i := 0; i < totalChunks; i++ {
		os.Remove(e.paths.chunk(modelID, i))
	}
	os.Remove(e.paths.artifact(modelID) + ".tmp")
	e.journals.delete(modelID)
	e.logger.Debug("partial state purged", zap.String("model", modelID))
}
