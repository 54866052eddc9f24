// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// fakeService emulates the coordination service plus the chunk store for
// engine and client tests. Per-chunk failure and corruption injection is
// consumed in request order.
type fakeService struct {
	chunks  [][]byte
	fileExt string

	mu            sync.Mutex
	manifestCalls int
	chunkGets     map[int]int
	failFirst     map[int]int
	corruptFirst  map[int]int
	chunkDelay    time.Duration
	wholeOverride string

	srv *httptest.Server
}

func newFakeService(t *testing.T, chunks [][]byte) *fakeService {
	t.Helper()
	s := &fakeService{
		chunks:       chunks,
		chunkGets:    make(map[int]int),
		failFirst:    make(map[int]int),
		corruptFirst: make(map[int]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/initDownload":
		s.handleManifest(w, r)
	case strings.HasPrefix(r.URL.Path, "/chunk/"):
		s.handleChunk(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeService) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.manifestCalls++
	whole := s.wholeOverride
	s.mu.Unlock()
	if whole == "" {
		whole = s.wholeDigest()
	}

	list := make([]wireChunk, 0, len(s.chunks))
	for i, c := range s.chunks {
		list = append(list, wireChunk{
			ChunkIndex: i,
			URLInfo: wireURLInfo{
				URL:        s.srv.URL + "/chunk/" + strconv.Itoa(i),
				Expiration: time.Now().Add(time.Hour).Unix(),
			},
			ChunkHash: hashBytes(c),
		})
	}
	json.NewEncoder(w).Encode(wireManifest{
		URLInfoList: list,
		Hash:        whole,
		ModelName:   "Test Model",
		ModelID:     req["modelId"],
		Version:     "1.0",
		FileExt:     s.fileExt,
	})
}

func (s *fakeService) handleChunk(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/chunk/"))
	if err != nil || i < 0 || i >= len(s.chunks) {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.chunkGets[i]++
	fail := s.failFirst[i] > 0
	if fail {
		s.failFirst[i]--
	}
	corrupt := !fail && s.corruptFirst[i] > 0
	if corrupt {
		s.corruptFirst[i]--
	}
	delay := s.chunkDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		http.Error(w, "transient", http.StatusServiceUnavailable)
		return
	}
	if corrupt {
		w.Write(append([]byte("garbage-"), s.chunks[i]...))
		return
	}
	w.Write(s.chunks[i])
}

// wholeDigest returns the digest of the assembled artifact.
func (s *fakeService) wholeDigest() string {
	var all []byte
	for _, c := range s.chunks {
		all = append(all, c...)
	}
	return hashBytes(all)
}

// manifestFetches returns how many times the manifest endpoint was hit.
func (s *fakeService) manifestFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifestCalls
}

// gets returns how many times chunk i was requested.
func (s *fakeService) gets(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkGets[i]
}

// manifest builds the Manifest the service would return, for seeding
// journals in resume tests.
func (s *fakeService) manifest(modelID string) *Manifest {
	m := &Manifest{
		ModelID:   modelID,
		ModelName: "Test Model",
		Version:   "1.0",
		WholeHash: s.wholeDigest(),
		FileExt:   s.fileExt,
	}
	for i, c := range s.chunks {
		m.Chunks = append(m.Chunks, ChunkInfo{Index: i, Hash: hashBytes(c)})
	}
	return m
}

// newTestClient builds a Client pointed at the fake service with a fresh
// storage directory.
func newTestClient(t *testing.T, s *fakeService, opts ...Option) *Client {
	t.Helper()
	c, err := New(Config{
		AccessKey:  "ak",
		SecretKey:  "sk",
		Endpoint:   s.srv.URL,
		StorageDir: t.TempDir(),
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// testChunks returns a deterministic multi-chunk payload.
func testChunks() [][]byte {
	return [][]byte{
		[]byte("alpha-chunk-payload-0"),
		[]byte("bravo-chunk-payload-1"),
		[]byte("charlie-chunk-payload-2"),
	}
}
