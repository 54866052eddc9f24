// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"modelvault/pkg/modeldl"
)

// JobStatus represents the state of a download job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents a download job.
type Job struct {
	ID           string      `json:"id"`
	ModelID      string      `json:"modelId"`
	Status       JobStatus   `json:"status"`
	Progress     JobProgress `json:"progress"`
	Error        string      `json:"error,omitempty"`
	ArtifactPath string      `json:"artifactPath,omitempty"`
	MetadataPath string      `json:"metadataPath,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`

	cancel context.CancelFunc `json:"-"`
}

// JobProgress mirrors the download engine's progress events.
type JobProgress struct {
	Phase           string  `json:"phase"`
	Percentage      float64 `json:"percentage"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	BytesPerSecond  int64   `json:"bytesPerSecond"`
	ETASeconds      int64   `json:"etaSeconds"`
	CurrentChunk    int     `json:"currentChunk"`
	TotalChunks     int     `json:"totalChunks"`
}

// JobManager manages download jobs on top of a shared download client.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	client     *modeldl.Client
	logger     *zap.Logger
	listeners  []chan *Job
	listenerMu sync.RWMutex
	wsHub      *WSHub
}

// NewJobManager creates a new job manager.
func NewJobManager(client *modeldl.Client, wsHub *WSHub, logger *zap.Logger) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		client: client,
		logger: logger,
		wsHub:  wsHub,
	}
}

// generateID creates a short random ID.
func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateJob creates a new download job for modelID.
// Returns the existing job if one is already queued or running for it.
func (m *JobManager) CreateJob(modelID string) (*Job, bool, error) {
	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.ModelID == modelID &&
			(existing.Status == JobStatusQueued || existing.Status == JobStatusRunning) {
			m.mu.Unlock()
			return existing, true, nil
		}
	}

	job := &Job{
		ID:        generateID(),
		ModelID:   modelID,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.runJob(job)

	return job, false, nil
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// CancelJob cancels a running or queued job.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	if job.Status != JobStatusQueued && job.Status != JobStatusRunning {
		m.mu.Unlock()
		return false
	}

	if job.cancel != nil {
		job.cancel()
	}
	job.Status = JobStatusCancelled
	now := time.Now()
	job.EndedAt = &now
	m.mu.Unlock()

	m.notifyListeners(job)
	return true
}

// DeleteJob removes a job from the list, cancelling it if active.
func (m *JobManager) DeleteJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}

	if job.cancel != nil && (job.Status == JobStatusQueued || job.Status == JobStatusRunning) {
		job.cancel()
	}

	delete(m.jobs, id)
	return true
}

// Subscribe adds a listener for job updates.
func (m *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *JobManager) Unsubscribe(ch chan *Job) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *JobManager) notifyListeners(job *Job) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- job:
		default:
			// Listener is slow, skip.
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(job)
	}
}

// runJob executes the download job.
func (m *JobManager) runJob(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if job.Status == JobStatusCancelled {
		// CancelJob ran while the job was still queued.
		m.mu.Unlock()
		cancel()
		return
	}
	job.cancel = cancel
	job.Status = JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	m.mu.Unlock()
	m.notifyListeners(job)

	// Must not hold the lock when calling notifyListeners.
	progressFunc := func(p modeldl.DetailedProgress) {
		m.mu.Lock()
		job.Progress = JobProgress{
			Phase:           string(p.Phase),
			Percentage:      p.Percentage,
			DownloadedBytes: p.DownloadedBytes,
			TotalBytes:      p.TotalBytes,
			BytesPerSecond:  p.BytesPerSecond,
			ETASeconds:      p.ETASeconds,
			CurrentChunk:    p.CurrentChunk,
			TotalChunks:     p.TotalChunks,
		}
		m.mu.Unlock()
		m.notifyListeners(job)
	}

	res, err := m.client.Download(ctx, job.ModelID, progressFunc)

	m.mu.Lock()
	endTime := time.Now()
	if job.EndedAt == nil {
		job.EndedAt = &endTime
	}
	switch {
	case job.Status == JobStatusCancelled:
		// CancelJob already finalized the record.
	case errors.Is(err, modeldl.ErrCancelled) || ctx.Err() != nil:
		job.Status = JobStatusCancelled
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
	default:
		job.Status = JobStatusCompleted
		job.ArtifactPath = res.ArtifactPath
		job.MetadataPath = res.MetadataPath
	}
	status := job.Status
	m.mu.Unlock()

	m.logger.Info("job finished",
		zap.String("job", job.ID),
		zap.String("model", job.ModelID),
		zap.String("status", string(status)))
	m.notifyListeners(job)
}
