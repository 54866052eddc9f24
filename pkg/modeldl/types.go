// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "time"

// ChunkInfo describes a single chunk of a model artifact as issued by the
// coordination service.
type ChunkInfo struct {
	// Index is the zero-based position of this chunk in the artifact.
	Index int

	// SignedURL is the pre-signed HTTPS URL serving the raw chunk bytes.
	SignedURL string

	// ExpiresAt is the Unix timestamp at which SignedURL stops working.
	ExpiresAt int64

	// Hash is the lowercase hex SHA-256 of the chunk's exact bytes.
	Hash string
}

// Manifest is the coordination service's description of a model download:
// the ordered chunk list, the whole-file hash, and descriptive attributes.
type Manifest struct {
	ModelID     string
	ModelName   string
	Version     string
	Description string
	Category    string

	// WholeHash is the lowercase hex SHA-256 of the assembled artifact.
	WholeHash string

	// FileExt selects post-download handling. When it equals the client's
	// native-inference extension the post-process hook runs after assembly.
	FileExt string

	// Chunks is ordered by Index, which is contiguous from zero.
	Chunks []ChunkInfo
}

// TotalChunks returns the number of chunks in the manifest.
func (m *Manifest) TotalChunks() int {
	return len(m.Chunks)
}

// Journal is the persistent per-model record of download progress. It lets
// an interrupted download resume without re-fetching validated bytes.
type Journal struct {
	ModelID     string         `json:"model_id"`
	WholeHash   string         `json:"whole_hash"`
	FileExt     string         `json:"file_ext"`
	TotalChunks int            `json:"total_chunks"`
	ChunkHashes map[int]string `json:"chunk_hashes"`

	// ValidatedChunks lists indices whose chunk files exist on disk and
	// pass hash validation.
	ValidatedChunks []int `json:"validated_chunks"`

	// Descriptive attributes mirrored from the manifest. Callers see them
	// for an in-flight download through Client.Status; the catalog lists
	// finalized artifacts only and does not read journals.
	ModelName   string `json:"model_name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// Progress returns the validated fraction in [0, 1].
func (j *Journal) Progress() float64 {
	if j.TotalChunks == 0 {
		return 0
	}
	return float64(len(j.ValidatedChunks)) / float64(j.TotalChunks)
}

// IsComplete reports whether every chunk is validated.
func (j *Journal) IsComplete() bool {
	return j.TotalChunks > 0 && len(j.ValidatedChunks) == j.TotalChunks
}

// ArtifactMetadata is written alongside a finalized artifact.
type ArtifactMetadata struct {
	ModelName    string    `json:"model_name"`
	ModelID      string    `json:"model_id"`
	Version      string    `json:"version"`
	Description  string    `json:"description,omitempty"`
	Category     string    `json:"category,omitempty"`
	Hash         string    `json:"hash"`
	DownloadDate time.Time `json:"download_date"`
}

// Artifact is a completed model in the local catalog.
type Artifact struct {
	Metadata     ArtifactMetadata
	Path         string
	MetadataPath string
	SizeBytes    int64
}

// ExistenceResult is returned by Exists and FindByName.
type ExistenceResult struct {
	Exists       bool
	ArtifactPath string
	MetadataPath string
	Metadata     *ArtifactMetadata
}

// StatusResult is a read-only snapshot of a model's resume state.
type StatusResult struct {
	// HasProgress reports whether a journal exists for the model.
	HasProgress bool

	// Journal is the decoded journal, or nil when HasProgress is false.
	Journal *Journal

	// ExistingChunks are the indices whose chunk files are present on disk.
	ExistingChunks []int

	// MissingChunks are the indices still to be fetched.
	MissingChunks []int
}

// Phase identifies a stage of the download state machine.
type Phase string

// Download phases in the order the engine passes through them.
const (
	PhaseInitializing Phase = "initializing"
	PhaseDownloading  Phase = "downloading"
	PhaseMerging      Phase = "merging"
	PhaseValidating   Phase = "validating"
	PhaseCompiling    Phase = "compiling"
	PhaseComplete     Phase = "complete"
)

// DetailedProgress is a structured progress update emitted during download.
//
// Emission is coalesced to at most one event per chunk completion plus one
// per phase transition.
type DetailedProgress struct {
	// Percentage is the overall completion in [0, 100].
	Percentage float64 `json:"percentage"`

	// DownloadedBytes is the cumulative validated bytes on disk.
	DownloadedBytes int64 `json:"downloadedBytes"`

	// TotalBytes is the estimated total artifact size. Zero until the
	// first chunk completes.
	TotalBytes int64 `json:"totalBytes"`

	// BytesPerSecond is the transfer rate since the previous update.
	BytesPerSecond int64 `json:"bytesPerSecond"`

	// ETASeconds is the estimated remaining time. Zero when unknown.
	ETASeconds int64 `json:"etaSeconds"`

	// CurrentChunk is the number of validated chunks so far.
	CurrentChunk int `json:"currentChunk"`

	// TotalChunks is the chunk count from the manifest.
	TotalChunks int `json:"totalChunks"`

	// Phase is the current engine phase.
	Phase Phase `json:"phase"`
}

// ProgressFunc receives progress events during a download.
//
// The callback is invoked from the engine task and must not block for long;
// slow consumers delay journal persistence.
type ProgressFunc func(DetailedProgress)
