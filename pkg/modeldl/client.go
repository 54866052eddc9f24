// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Config holds the required settings for a Client.
type Config struct {
	// AccessKey and SecretKey authenticate against the coordination
	// service.
	AccessKey string
	SecretKey string

	// Endpoint is the coordination service base URL.
	Endpoint string

	// StorageDir is the directory holding chunks, journals, artifacts and
	// metadata. Created if absent.
	StorageDir string
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the HTTP client used for manifest and chunk
// requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithPostProcessor installs the hook invoked for native-format manifests.
func WithPostProcessor(p PostProcessor) Option {
	return func(c *Client) { c.postproc = p }
}

// WithNativeFormat overrides the manifest file extension that triggers
// post-processing and the suffix of the finalized native artifact.
func WithNativeFormat(fileExt, artifactSuffix string) Option {
	return func(c *Client) {
		c.nativeExt = fileExt
		c.nativeSuffix = artifactSuffix
	}
}

// DownloadResult describes a finalized download.
type DownloadResult struct {
	// ArtifactPath is the finalized artifact: the native directory when
	// post-processing ran, the generic file otherwise.
	ArtifactPath string

	// MetadataPath is the metadata file written next to the artifact.
	MetadataPath string
}

// Client is the public entry point. One Client serves any number of
// models; concurrent downloads of distinct models are independent, while
// a second download of an in-flight model fails fast with ErrBusy.
//
// A Client is safe for concurrent use.
type Client struct {
	logger       *zap.Logger
	httpc        *http.Client
	postproc     PostProcessor
	nativeExt    string
	nativeSuffix string

	paths    pathSet
	journals *journalStore
	catalog  *catalog
	engine   *engine

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New validates cfg, creates the storage directory, and returns a ready
// Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.StorageDir == "" {
		return nil, errors.New("storage directory is required")
	}

	c := &Client{
		logger:       zap.NewNop(),
		nativeExt:    DefaultNativeFileExt,
		nativeSuffix: DefaultNativeArtifact,
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpc == nil {
		c.httpc = buildHTTPClient()
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, err
	}

	c.paths = pathSet{root: cfg.StorageDir, nativeSuffix: c.nativeSuffix}
	c.journals = newJournalStore(c.paths, c.logger)
	c.catalog = newCatalog(c.paths, c.logger)
	manifests := newManifestClient(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, c.httpc, c.logger)
	c.engine = newEngine(c.paths, manifests, c.journals, c.httpc, c.postproc, c.nativeExt, c.logger)
	return c, nil
}

// Download fetches, assembles, validates and finalizes the model. progress
// may be nil. It blocks until the download completes, fails, or is
// cancelled via ctx or Cancel.
//
// A model already in the local catalog returns its paths immediately
// without contacting the coordination service.
//
// A concurrent Download of the same model id, from this process or another
// one sharing the storage directory, returns ErrBusy.
func (c *Client) Download(ctx context.Context, modelID string, progress ProgressFunc) (*DownloadResult, error) {
	if err := validateModelID(modelID); err != nil {
		return nil, err
	}

	if existing := c.catalog.findByID(modelID); existing.Exists {
		c.logger.Debug("model already in catalog", zap.String("model", modelID))
		if progress != nil {
			progress(DetailedProgress{Phase: PhaseComplete, Percentage: 100})
		}
		return &DownloadResult{
			ArtifactPath: existing.ArtifactPath,
			MetadataPath: existing.MetadataPath,
		}, nil
	}

	dctx, release, err := c.admit(ctx, modelID)
	if err != nil {
		return nil, err
	}
	defer release()

	artifact, mdPath, err := c.engine.run(dctx, modelID, progress)
	if err != nil {
		return nil, err
	}
	return &DownloadResult{ArtifactPath: artifact, MetadataPath: mdPath}, nil
}

// admit registers modelID as active in this process and takes the
// cross-process model lock. The returned release undoes both.
func (c *Client) admit(ctx context.Context, modelID string) (context.Context, func(), error) {
	c.mu.Lock()
	if _, busy := c.active[modelID]; busy {
		c.mu.Unlock()
		return nil, nil, ErrBusy
	}
	dctx, cancel := context.WithCancel(ctx)
	c.active[modelID] = cancel
	c.mu.Unlock()

	fl := flock.New(c.paths.lock(modelID))
	locked, err := fl.TryLock()
	if err != nil || !locked {
		c.mu.Lock()
		delete(c.active, modelID)
		c.mu.Unlock()
		cancel()
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrBusy
	}

	release := func() {
		fl.Unlock()
		c.mu.Lock()
		delete(c.active, modelID)
		c.mu.Unlock()
		cancel()
	}
	return dctx, release, nil
}

// Cancel aborts an in-flight download of modelID. The blocked Download
// call discards all partial state and returns ErrCancelled. Cancelling a
// model with no active download is a no-op.
func (c *Client) Cancel(modelID string) {
	c.mu.Lock()
	cancel, ok := c.active[modelID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Exists reports whether modelID has a completed artifact in the local
// catalog.
func (c *Client) Exists(modelID string) (ExistenceResult, error) {
	if err := validateModelID(modelID); err != nil {
		return ExistenceResult{}, err
	}
	return c.catalog.findByID(modelID), nil
}

// FindByName looks up a completed artifact by its exact model name.
func (c *Client) FindByName(name string) ExistenceResult {
	return c.catalog.findByName(name)
}

// Status returns the resume state of modelID without touching the
// network: whether a journal exists, and which chunk files are present or
// still missing.
func (c *Client) Status(modelID string) (StatusResult, error) {
	if err := validateModelID(modelID); err != nil {
		return StatusResult{}, err
	}

	j := c.journals.load(modelID)
	if j == nil {
		return StatusResult{}, nil
	}

	var existing, missing []int
	for i := 0; i < j.TotalChunks; i++ {
		if _, err := os.Stat(c.paths.chunk(modelID, i)); err == nil {
			existing = append(existing, i)
		} else {
			missing = append(missing, i)
		}
	}
	return StatusResult{
		HasProgress:    true,
		Journal:        j,
		ExistingChunks: existing,
		MissingChunks:  missing,
	}, nil
}

// List returns every completed artifact, newest first.
func (c *Client) List() ([]Artifact, error) {
	return c.catalog.listAll()
}

// Delete removes a completed artifact, its metadata, and any leftover
// partial state for modelID. Deleting a model with an active download
// returns ErrBusy; a model with no artifact and no partial state returns
// ErrNotFound.
func (c *Client) Delete(modelID string) error {
	if err := validateModelID(modelID); err != nil {
		return err
	}

	c.mu.Lock()
	_, busy := c.active[modelID]
	c.mu.Unlock()
	if busy {
		return ErrBusy
	}

	removed := false
	for _, path := range []string{
		c.paths.metadata(modelID),
		c.paths.artifact(modelID),
		c.paths.journal(modelID),
		c.paths.artifact(modelID) + ".tmp",
		c.paths.lock(modelID),
	} {
		if err := os.Remove(path); err == nil {
			removed = true
		}
	}
	if native := c.paths.nativeArtifact(modelID); pathExists(native) {
		if err := os.RemoveAll(native); err == nil {
			removed = true
		}
	}

	for _, path := range c.chunkFiles(modelID) {
		if err := os.Remove(path); err == nil {
			removed = true
		}
	}

	if !removed {
		return ErrNotFound
	}
	c.logger.Info("model deleted", zap.String("model", modelID))
	return nil
}

// Cleanup removes stale partial-download files: chunk files, journals and
// merge temps belonging to models with no active download. It returns how
// many files were removed. Completed artifacts and metadata are never
// touched.
func (c *Client) Cleanup() (int, error) {
	entries, err := os.ReadDir(c.paths.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	c.mu.Lock()
	activeIDs := make(map[string]struct{}, len(c.active))
	for id := range c.active {
		activeIDs[id] = struct{}{}
	}
	c.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		id, stale := stalePartialOwner(name)
		if !stale {
			continue
		}
		if _, busy := activeIDs[id]; busy {
			continue
		}
		if err := os.Remove(filepath.Join(c.paths.root, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("stale partial state removed", zap.Int("files", removed))
	}
	return removed, nil
}

// stalePartialOwner extracts the model id from a partial-download filename
// and reports whether the name denotes partial state.
func stalePartialOwner(name string) (string, bool) {
	tmp := strings.HasSuffix(name, ".tmp")
	if tmp {
		name = strings.TrimSuffix(name, ".tmp")
	}
	if strings.HasSuffix(name, "_progress") {
		return strings.TrimSuffix(name, "_progress"), true
	}
	if strings.HasSuffix(name, "_lock") {
		return strings.TrimSuffix(name, "_lock"), true
	}
	if i := strings.LastIndex(name, "_chunk_"); i > 0 {
		tail := name[i+len("_chunk_"):]
		if tail != "" && strings.IndexFunc(tail, notDigit) < 0 {
			return name[:i], true
		}
	}
	if tmp {
		// Any remaining temp, such as the merge output, is partial state.
		return name, true
	}
	return "", false
}

func notDigit(r rune) bool { return r < '0' || r > '9' }

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// chunkFiles returns the on-disk chunk files for modelID by scanning the
// storage directory, covering chunks beyond any known manifest.
func (c *Client) chunkFiles(modelID string) []string {
	entries, err := os.ReadDir(c.paths.root)
	if err != nil {
		return nil
	}
	prefix := modelID + "_chunk_"
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		tail := strings.TrimSuffix(strings.TrimPrefix(e.Name(), prefix), ".tmp")
		if tail == "" || strings.IndexFunc(tail, notDigit) >= 0 {
			continue
		}
		out = append(out, filepath.Join(c.paths.root, e.Name()))
	}
	sort.Strings(out)
	return out
}
