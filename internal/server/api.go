// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"modelvault/pkg/modeldl"
)

// DownloadRequest is the request body for starting a download.
// Note: the storage directory is NOT configurable via API; the server
// always writes into its configured StorageDir.
type DownloadRequest struct {
	ModelID string `json:"modelId"`
}

// ModelResponse describes one model's local state.
type ModelResponse struct {
	ModelID      string                    `json:"modelId"`
	Exists       bool                      `json:"exists"`
	ArtifactPath string                    `json:"artifactPath,omitempty"`
	Metadata     *modeldl.ArtifactMetadata `json:"metadata,omitempty"`
	Resume       *ResumeResponse           `json:"resume,omitempty"`
}

// ResumeResponse describes partial-download state.
type ResumeResponse struct {
	TotalChunks    int   `json:"totalChunks"`
	ExistingChunks []int `json:"existingChunks"`
	MissingChunks  []int `json:"missingChunks"`
}

// SettingsResponse represents current settings.
type SettingsResponse struct {
	AccessKey  string `json:"accessKey,omitempty"`
	Endpoint   string `json:"endpoint"`
	StorageDir string `json:"storageDir"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartDownload starts a new download job.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: modelId", "")
		return
	}

	existing, err := s.client.Exists(req.ModelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model ID", err.Error())
		return
	}
	if existing.Exists {
		writeJSON(w, http.StatusOK, map[string]any{
			"model":   modelResponse(req.ModelID, existing, nil),
			"message": "Model already downloaded",
		})
		return
	}

	job, wasExisting, err := s.jobs.CreateJob(req.ModelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create job", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Download already in progress",
		})
	} else {
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handleListJobs returns all jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a specific job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.CancelJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Job cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Job not found or already completed", "")
	}
}

// handleListModels returns every completed artifact in the catalog.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.client.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list models", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// handleGetModel returns one model's artifact and resume state.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.client.Exists(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model ID", err.Error())
		return
	}

	status, err := s.client.Status(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model ID", err.Error())
		return
	}

	var resume *ResumeResponse
	if status.HasProgress {
		resume = &ResumeResponse{
			TotalChunks:    status.Journal.TotalChunks,
			ExistingChunks: status.ExistingChunks,
			MissingChunks:  status.MissingChunks,
		}
	}

	if !existing.Exists && resume == nil {
		writeError(w, http.StatusNotFound, "Model not found", "")
		return
	}

	writeJSON(w, http.StatusOK, modelResponse(id, existing, resume))
}

// handleDeleteModel removes a completed artifact and any partial state.
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch err := s.client.Delete(id); {
	case errors.Is(err, modeldl.ErrInvalidModelID):
		writeError(w, http.StatusBadRequest, "Invalid model ID", err.Error())
	case errors.Is(err, modeldl.ErrNotFound):
		writeError(w, http.StatusNotFound, "Model not found", "")
	case errors.Is(err, modeldl.ErrBusy):
		writeError(w, http.StatusConflict, "Model download in progress", "")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to delete model", err.Error())
	default:
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Model deleted",
		})
	}
}

// handleCleanup removes stale partial-download files.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.client.Cleanup()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Cleanup failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

// handleGetSettings returns current settings with the secret key omitted
// and the access key masked.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	masked := ""
	if s.config.AccessKey != "" {
		masked = "********" + s.config.AccessKey[max(0, len(s.config.AccessKey)-4):]
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		AccessKey:  masked,
		Endpoint:   s.config.Endpoint,
		StorageDir: s.config.StorageDir,
	})
}

// --- Helpers ---

func modelResponse(id string, existing modeldl.ExistenceResult, resume *ResumeResponse) ModelResponse {
	return ModelResponse{
		ModelID:      id,
		Exists:       existing.Exists,
		ArtifactPath: existing.ArtifactPath,
		Metadata:     existing.Metadata,
		Resume:       resume,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
