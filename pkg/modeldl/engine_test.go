// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDownloadColdStart(t *testing.T) {
	s := newFakeService(t, testChunks())
	c := newTestClient(t, s)

	var mu sync.Mutex
	var events []DetailedProgress
	res, err := c.Download(context.Background(), "m1", func(p DetailedProgress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	data, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	var want []byte
	for _, ch := range testChunks() {
		want = append(want, ch...)
	}
	if string(data) != string(want) {
		t.Error("artifact content is not the ordered chunk concatenation")
	}

	md, err := newCatalog(c.paths, zap.NewNop()).readMetadata(res.MetadataPath)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.ModelID != "m1" || md.Hash != s.wholeDigest() {
		t.Errorf("metadata = %+v", md)
	}
	if md.DownloadDate.IsZero() {
		t.Error("metadata missing download date")
	}

	if c.journals.load("m1") != nil {
		t.Error("journal should be removed after completion")
	}
	for i := range testChunks() {
		if _, err := os.Stat(c.paths.chunk("m1", i)); !os.IsNotExist(err) {
			t.Errorf("chunk %d should be removed after completion", i)
		}
	}

	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	if events[0].Phase != PhaseInitializing {
		t.Errorf("first event phase = %s, want initializing", events[0].Phase)
	}
	last := events[len(events)-1]
	if last.Phase != PhaseComplete || last.Percentage != 100 {
		t.Errorf("last event = %+v, want complete at 100", last)
	}
	seen := make(map[Phase]bool)
	for _, ev := range events {
		seen[ev.Phase] = true
		if ev.Percentage < 0 || ev.Percentage > 100 {
			t.Errorf("percentage out of range: %+v", ev)
		}
	}
	for _, ph := range []Phase{PhaseDownloading, PhaseMerging, PhaseValidating} {
		if !seen[ph] {
			t.Errorf("phase %s never reported", ph)
		}
	}
	if seen[PhaseCompiling] {
		t.Error("plain download should not report compiling")
	}
}

func TestDownloadSingleChunk(t *testing.T) {
	s := newFakeService(t, [][]byte{[]byte("only-chunk")})
	c := newTestClient(t, s)

	res, err := c.Download(context.Background(), "tiny", nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "only-chunk" {
		t.Error("single-chunk artifact mismatch")
	}
}

func TestDownloadTwiceReturnsCachedArtifact(t *testing.T) {
	s := newFakeService(t, testChunks())
	c := newTestClient(t, s)

	first, err := c.Download(context.Background(), "m1", nil)
	if err != nil {
		t.Fatalf("first Download: %v", err)
	}

	var mu sync.Mutex
	var events []DetailedProgress
	second, err := c.Download(context.Background(), "m1", func(p DetailedProgress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("second Download: %v", err)
	}

	if second.ArtifactPath != first.ArtifactPath || second.MetadataPath != first.MetadataPath {
		t.Errorf("second Download = %+v, want cached %+v", second, first)
	}
	if n := s.manifestFetches(); n != 1 {
		t.Errorf("manifest fetched %d times, want 1 (cached call must not hit the network)", n)
	}
	for i := range testChunks() {
		if s.gets(i) != 1 {
			t.Errorf("chunk %d fetched %d times, want 1", i, s.gets(i))
		}
	}
	if len(events) != 1 || events[0].Phase != PhaseComplete || events[0].Percentage != 100 {
		t.Errorf("cached call events = %+v, want a single complete at 100", events)
	}
}

func TestDownloadResumeSkipsValidatedChunks(t *testing.T) {
	s := newFakeService(t, testChunks())
	c := newTestClient(t, s)

	// Seed a prior interrupted run: chunk 0 on disk, journaled validated.
	if err := os.WriteFile(c.paths.chunk("m1", 0), testChunks()[0], 0o644); err != nil {
		t.Fatal(err)
	}
	j := newJournal(s.manifest("m1"))
	j.ValidatedChunks = []int{0}
	if err := c.journals.save(j); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Download(context.Background(), "m1", nil); err != nil {
		t.Fatalf("Download: %v", err)
	}

	if s.gets(0) != 0 {
		t.Errorf("chunk 0 fetched %d times, want 0 (resumed)", s.gets(0))
	}
	if s.gets(1) != 1 || s.gets(2) != 1 {
		t.Errorf("remaining chunks fetched %d/%d times, want 1/1", s.gets(1), s.gets(2))
	}
}

func TestDownloadResumeRevalidatesChunks(t *testing.T) {
	s := newFakeService(t, testChunks())
	c := newTestClient(t, s)

	// Journal claims chunk 0 validated but the bytes on disk rotted.
	if err := os.WriteFile(c.paths.chunk("m1", 0), []byte("rotted"), 0o644); err != nil {
		t.Fatal(err)
	}
	j := newJournal(s.manifest("m1"))
	j.ValidatedChunks = []int{0}
	if err := c.journals.save(j); err != nil {
		t.Fatal(err)
	}

	res, err := c.Download(context.Background(), "m1", nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if s.gets(0) != 1 {
		t.Errorf("rotted chunk 0 fetched %d times, want 1", s.gets(0))
	}

	data, _ := os.ReadFile(res.ArtifactPath)
	var want []byte
	for _, ch := range testChunks() {
		want = append(want, ch...)
	}
	if string(data) != string(want) {
		t.Error("artifact content mismatch after revalidation")
	}
}

func TestDownloadManifestRotationDiscardsPartialState(t *testing.T) {
	s := newFakeService(t, testChunks())
	c := newTestClient(t, s)

	// Prior run against a different artifact revision.
	if err := os.WriteFile(c.paths.chunk("m1", 0), []byte("old-revision"), 0o644); err != nil {
		t.Fatal(err)
	}
	j := newJournal(s.manifest("m1"))
	j.WholeHash = "0000000000000000000000000000000000000000000000000000000000000000"
	j.ValidatedChunks = []int{0}
	if err := c.journals.save(j); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Download(context.Background(), "m1", nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if s.gets(0) != 1 {
		t.Errorf("chunk 0 fetched %d times, want 1 after rotation purge", s.gets(0))
	}
}

func TestDownloadRetriesTransientChunkFailures(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.failFirst[1] = 1
	c := newTestClient(t, s)

	if _, err := c.Download(context.Background(), "m1", nil); err != nil {
		t.Fatalf("Download with one transient 503: %v", err)
	}
	if s.gets(1) != 2 {
		t.Errorf("chunk 1 fetched %d times, want 2", s.gets(1))
	}
}

func TestDownloadRetriesCorruptedChunk(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.corruptFirst[2] = 1
	c := newTestClient(t, s)

	res, err := c.Download(context.Background(), "m1", nil)
	if err != nil {
		t.Fatalf("Download with one corrupted serve: %v", err)
	}
	if s.gets(2) != 2 {
		t.Errorf("chunk 2 fetched %d times, want 2", s.gets(2))
	}
	sum, err := hashFile(res.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if sum != s.wholeDigest() {
		t.Error("final artifact digest mismatch")
	}
}

func TestDownloadDiskGuard(t *testing.T) {
	s := newFakeService(t, testChunks())
	c := newTestClient(t, s)
	c.engine.freeSpace = func(string) (int64, error) { return 16, nil }

	_, err := c.Download(context.Background(), "m1", nil)

	var de *DiskSpaceError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiskSpaceError", err)
	}
	if de.Available != 16 || de.Required <= de.Available {
		t.Errorf("DiskSpaceError = %+v", de)
	}

	// Validated work survives for a later resume on a bigger volume.
	j := c.journals.load("m1")
	if j == nil || len(j.ValidatedChunks) == 0 {
		t.Error("journal with validated chunks should survive a disk guard failure")
	}
}

func TestDownloadWholeHashMismatch(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.wholeOverride = hashBytes([]byte("someone-elses-artifact"))
	c := newTestClient(t, s)

	_, err := c.Download(context.Background(), "m1", nil)

	var we *WholeHashMismatchError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want WholeHashMismatchError", err)
	}

	if _, statErr := os.Stat(c.paths.artifact("m1")); !os.IsNotExist(statErr) {
		t.Error("no artifact should exist after whole-hash mismatch")
	}
	if _, statErr := os.Stat(c.paths.artifact("m1") + ".tmp"); !os.IsNotExist(statErr) {
		t.Error("merge temp should be removed")
	}
}

func TestDownloadCancelPurgesPartialState(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.chunkDelay = 300 * time.Millisecond
	c := newTestClient(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Download(context.Background(), "m1", nil)
		errCh <- err
	}()

	time.Sleep(150 * time.Millisecond)
	c.Cancel("m1")

	err := <-errCh
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	if c.journals.load("m1") != nil {
		t.Error("journal should be purged on cancel")
	}
	for i := range testChunks() {
		if _, statErr := os.Stat(c.paths.chunk("m1", i)); !os.IsNotExist(statErr) {
			t.Errorf("chunk %d should be purged on cancel", i)
		}
	}
}

func TestDownloadContextCancellation(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.chunkDelay = 300 * time.Millisecond
	c := newTestClient(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Download(ctx, "m1", nil)
		errCh <- err
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if c.journals.load("m1") != nil {
		t.Error("journal should be purged on context cancellation")
	}
}

// cancelAfterResponse buffers each response body and then fires cancel, so
// the context is already dead when the caller acts on the response. Used to
// land a cancellation between the manifest fetch and the planning phase.
type cancelAfterResponse struct {
	cancel context.CancelFunc
}

func (c *cancelAfterResponse) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	c.cancel()
	return resp, nil
}

func TestDownloadCancelDuringRevalidationPurgesPartialState(t *testing.T) {
	s := newFakeService(t, testChunks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(t, s, WithHTTPClient(&http.Client{
		Transport: &cancelAfterResponse{cancel: cancel},
	}))

	// Prior interrupted run: chunk 0 on disk, journaled validated, so the
	// planning phase has resumed chunks to re-hash.
	if err := os.WriteFile(c.paths.chunk("m1", 0), testChunks()[0], 0o644); err != nil {
		t.Fatal(err)
	}
	j := newJournal(s.manifest("m1"))
	j.ValidatedChunks = []int{0}
	if err := c.journals.save(j); err != nil {
		t.Fatal(err)
	}

	_, err := c.Download(ctx, "m1", nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	if c.journals.load("m1") != nil {
		t.Error("journal should be purged when cancellation lands during planning")
	}
	for i := range testChunks() {
		if _, statErr := os.Stat(c.paths.chunk("m1", i)); !os.IsNotExist(statErr) {
			t.Errorf("chunk %d should be purged when cancellation lands during planning", i)
		}
	}
}

func TestDownloadPostProcess(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.fileExt = DefaultNativeFileExt

	hook := PostProcessorFunc(func(ctx context.Context, sourcePath, modelID string) (string, error) {
		out := filepath.Join(filepath.Dir(sourcePath), modelID+"."+DefaultNativeArtifact)
		if err := os.MkdirAll(out, 0o755); err != nil {
			return "", err
		}
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(out, "weights.bin"), data, 0o644); err != nil {
			return "", err
		}
		return out, nil
	})

	c := newTestClient(t, s, WithPostProcessor(hook))

	var mu sync.Mutex
	var phases []Phase
	res, err := c.Download(context.Background(), "m1", func(p DetailedProgress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if res.ArtifactPath != c.paths.nativeArtifact("m1") {
		t.Errorf("ArtifactPath = %s, want native directory", res.ArtifactPath)
	}
	fi, err := os.Stat(res.ArtifactPath)
	if err != nil || !fi.IsDir() {
		t.Fatalf("native artifact should be a directory: %v", err)
	}
	if _, err := os.Stat(c.paths.artifact("m1")); !os.IsNotExist(err) {
		t.Error("generic artifact should be removed after post-processing")
	}

	sawCompiling := false
	for _, ph := range phases {
		if ph == PhaseCompiling {
			sawCompiling = true
		}
	}
	if !sawCompiling {
		t.Error("compiling phase never reported")
	}

	got, err := c.Exists("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Exists || got.ArtifactPath != res.ArtifactPath {
		t.Errorf("Exists after compile = %+v", got)
	}
}

func TestDownloadNativeFormatWithoutHook(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.fileExt = DefaultNativeFileExt
	c := newTestClient(t, s)

	res, err := c.Download(context.Background(), "m1", nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.ArtifactPath != c.paths.artifact("m1") {
		t.Errorf("ArtifactPath = %s, want generic artifact when no hook is set", res.ArtifactPath)
	}
}

func TestDownloadPostProcessFailureKeepsState(t *testing.T) {
	s := newFakeService(t, testChunks())
	s.fileExt = DefaultNativeFileExt

	hook := PostProcessorFunc(func(ctx context.Context, sourcePath, modelID string) (string, error) {
		return "", fmt.Errorf("compiler exploded")
	})
	c := newTestClient(t, s, WithPostProcessor(hook))

	_, err := c.Download(context.Background(), "m1", nil)

	var pe *PostProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PostProcessError", err)
	}

	if _, statErr := os.Stat(c.paths.artifact("m1")); statErr != nil {
		t.Error("assembled artifact should survive a post-process failure")
	}
	if c.journals.load("m1") == nil {
		t.Error("journal should survive a post-process failure")
	}
	if _, statErr := os.Stat(c.paths.metadata("m1")); !os.IsNotExist(statErr) {
		t.Error("no metadata should be written on post-process failure")
	}
}
