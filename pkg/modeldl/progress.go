// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "time"

// Percentage anchors for the non-fetching phases. Fetching occupies
// [0, fetchCeil] where fetchCeil is 90 when post-processing will run and
// 95 otherwise.
const (
	pctFetchCeilCompiled = 90.0
	pctFetchCeilPlain    = 95.0
	pctMergeCompiled     = 85.0
	pctMergePlain        = 95.0
	pctValidateCompiled  = 88.0
	pctValidatePlain     = 98.0
	pctCompiling         = 90.0
	pctComplete          = 100.0
)

// progressEmitter computes percentages, byte rates and ETAs, and delivers
// DetailedProgress events to the caller. Emission is driven by the engine:
// once per chunk completion plus once per phase transition.
type progressEmitter struct {
	fn          ProgressFunc
	totalChunks int
	willCompile bool

	lastTime  time.Time
	lastBytes int64
}

func newProgressEmitter(fn ProgressFunc, totalChunks int, willCompile bool) *progressEmitter {
	return &progressEmitter{
		fn:          fn,
		totalChunks: totalChunks,
		willCompile: willCompile,
		lastTime:    time.Now(),
	}
}

func (p *progressEmitter) fetchCeil() float64 {
	if p.willCompile {
		return pctFetchCeilCompiled
	}
	return pctFetchCeilPlain
}

// phase emits a bare phase-transition event at the phase's anchor
// percentage.
func (p *progressEmitter) phase(ph Phase) {
	var pct float64
	switch ph {
	case PhaseInitializing:
		pct = 0
	case PhaseDownloading:
		pct = 0
	case PhaseMerging:
		if p.willCompile {
			pct = pctMergeCompiled
		} else {
			pct = pctMergePlain
		}
	case PhaseValidating:
		if p.willCompile {
			pct = pctValidateCompiled
		} else {
			pct = pctValidatePlain
		}
	case PhaseCompiling:
		pct = pctCompiling
	case PhaseComplete:
		pct = pctComplete
	}
	p.emit(DetailedProgress{
		Percentage:  pct,
		TotalChunks: p.totalChunks,
		Phase:       ph,
	})
}

// chunk emits a downloading-phase event after a chunk completes.
// downloadedBytes is the running sum of validated chunk sizes; completed
// is the validated chunk count.
func (p *progressEmitter) chunk(completed int, downloadedBytes int64) {
	estimated := estimateTotal(downloadedBytes, completed, p.totalChunks)

	frac := float64(completed) / float64(p.totalChunks)
	pct := frac * p.fetchCeil()

	now := time.Now()
	var bps int64
	if dt := now.Sub(p.lastTime).Seconds(); dt > 0 {
		bps = int64(float64(downloadedBytes-p.lastBytes) / dt)
	}
	p.lastTime = now
	p.lastBytes = downloadedBytes

	var eta int64
	if bps > 0 && estimated > downloadedBytes {
		eta = (estimated - downloadedBytes) / bps
	}

	p.emit(DetailedProgress{
		Percentage:      pct,
		DownloadedBytes: downloadedBytes,
		TotalBytes:      estimated,
		BytesPerSecond:  bps,
		ETASeconds:      eta,
		CurrentChunk:    completed,
		TotalChunks:     p.totalChunks,
		Phase:           PhaseDownloading,
	})
}

// complete emits the terminal event with final byte totals.
func (p *progressEmitter) complete(totalBytes int64) {
	p.emit(DetailedProgress{
		Percentage:      pctComplete,
		DownloadedBytes: totalBytes,
		TotalBytes:      totalBytes,
		CurrentChunk:    p.totalChunks,
		TotalChunks:     p.totalChunks,
		Phase:           PhaseComplete,
	})
}

func (p *progressEmitter) emit(ev DetailedProgress) {
	if p.fn != nil {
		p.fn(ev)
	}
}

// estimateTotal extrapolates the artifact size from completed chunks.
func estimateTotal(downloadedBytes int64, completed, totalChunks int) int64 {
	if completed < 1 {
		completed = 1
	}
	return downloadedBytes * int64(totalChunks) / int64(completed)
}
