// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"golang.org/x/term"

	"modelvault/pkg/modeldl"
)

var (
	phaseColor = color.New(color.FgCyan).SprintFunc()
	okColor    = color.New(color.FgGreen).SprintFunc()
	warnColor  = color.New(color.FgYellow).SprintFunc()
)

// barTemplate shows percentage, byte counts and rate on one line; it has
// no ETA field.
const barTemplate = `{{string . "prefix"}} {{bar . "[" "=" ">" " " "]"}} {{percent .}} {{counters . }} {{speed . }}`

// Renderer drives a live terminal view of one model download: a progress
// bar during fetching plus a colored line per phase transition. On
// non-interactive outputs it degrades to plain phase lines.
type Renderer struct {
	modelID string

	events  chan modeldl.DetailedProgress
	done    chan struct{}
	stopped bool

	interactive bool
	bar         *pb.ProgressBar
	phase       modeldl.Phase
}

// NewRenderer starts a renderer for modelID. Call Close when the download
// returns.
func NewRenderer(modelID string) *Renderer {
	r := &Renderer{
		modelID:     modelID,
		events:      make(chan modeldl.DetailedProgress, 256),
		done:        make(chan struct{}),
		interactive: term.IsTerminal(int(os.Stdout.Fd())) && strings.ToLower(os.Getenv("TERM")) != "dumb",
	}
	go r.loop()
	return r
}

// Handler returns the ProgressFunc to pass to Download.
func (r *Renderer) Handler() modeldl.ProgressFunc {
	return func(p modeldl.DetailedProgress) {
		select {
		case r.events <- p:
		default:
			// Drop events if the terminal lags; we keep rendering smoothly.
		}
	}
}

// Close flushes the final state and stops the render loop.
func (r *Renderer) Close() {
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.done)
	time.Sleep(60 * time.Millisecond)
	if r.bar != nil {
		r.bar.Finish()
	}
	fmt.Fprintln(os.Stdout)
}

func (r *Renderer) loop() {
	for {
		select {
		case <-r.done:
			return
		case p := <-r.events:
			r.apply(p)
		}
	}
}

func (r *Renderer) apply(p modeldl.DetailedProgress) {
	if p.Phase != r.phase {
		r.transition(p)
		r.phase = p.Phase
	}
	if p.Phase == modeldl.PhaseDownloading && r.interactive {
		r.updateBar(p)
	}
}

func (r *Renderer) transition(p modeldl.DetailedProgress) {
	if r.bar != nil && p.Phase != modeldl.PhaseDownloading {
		r.bar.Finish()
		r.bar = nil
	}

	switch p.Phase {
	case modeldl.PhaseInitializing:
		fmt.Printf("%s %s\n", phaseColor("initializing"), r.modelID)
	case modeldl.PhaseDownloading:
		if !r.interactive {
			fmt.Printf("%s %d chunks\n", phaseColor("downloading"), p.TotalChunks)
		}
	case modeldl.PhaseMerging:
		fmt.Printf("%s\n", phaseColor("merging chunks"))
	case modeldl.PhaseValidating:
		fmt.Printf("%s\n", phaseColor("validating artifact"))
	case modeldl.PhaseCompiling:
		fmt.Printf("%s\n", warnColor("compiling to native format"))
	case modeldl.PhaseComplete:
		fmt.Printf("%s %s (%s)\n", okColor("complete"), r.modelID, humanBytes(p.DownloadedBytes))
	}
}

func (r *Renderer) updateBar(p modeldl.DetailedProgress) {
	if p.TotalBytes <= 0 {
		return
	}
	if r.bar == nil {
		r.bar = pb.New64(p.TotalBytes)
		r.bar.SetTemplateString(barTemplate)
		r.bar.Set(pb.Bytes, true)
		r.bar.Set("prefix", r.modelID)
		r.bar.Start()
	}
	r.bar.SetTotal(p.TotalBytes)
	r.bar.SetCurrent(p.DownloadedBytes)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 6 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
