// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAPIHealth(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator(t, testChunks()))

	w := doRequest(srv, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestAPIStartDownloadValidation(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator(t, testChunks()))

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"missing model id", `{}`, http.StatusBadRequest},
		{"invalid model id", `{"modelId": "../evil"}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
		{"valid model id", `{"modelId": "bert-base"}`, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, "POST", "/api/download", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d, body %s", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestAPIStartDownloadDuplicateReturnsExisting(t *testing.T) {
	f := newFakeCoordinator(t, testChunks())
	f.setChunkDelay(300 * time.Millisecond)
	srv := newTestServer(t, f)

	w1 := doRequest(srv, "POST", "/api/download", `{"modelId": "dup-test"}`)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d, want 202", w1.Code)
	}
	var job1 Job
	json.Unmarshal(w1.Body.Bytes(), &job1)

	w2 := doRequest(srv, "POST", "/api/download", `{"modelId": "dup-test"}`)
	if w2.Code != http.StatusOK {
		t.Fatalf("duplicate request status = %d, want 200", w2.Code)
	}

	var resp map[string]any
	json.Unmarshal(w2.Body.Bytes(), &resp)
	if resp["message"] != "Download already in progress" {
		t.Errorf("message = %v", resp["message"])
	}
	jobMap := resp["job"].(map[string]any)
	if jobMap["id"] != job1.ID {
		t.Error("duplicate should return the same job id")
	}

	srv.jobs.CancelJob(job1.ID)
}

func TestAPIStartDownloadAlreadyDownloaded(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator(t, testChunks()))

	job, _, err := srv.jobs.CreateJob("cached-model")
	if err != nil {
		t.Fatal(err)
	}
	if got := waitForJob(t, srv.jobs, job.ID); got.Status != JobStatusCompleted {
		t.Fatalf("job status = %s, error %s", got.Status, got.Error)
	}

	w := doRequest(srv, "POST", "/api/download", `{"modelId": "cached-model"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != "Model already downloaded" {
		t.Errorf("message = %v", resp["message"])
	}
}

func TestAPIJobs(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator(t, testChunks()))

	w := doRequest(srv, "POST", "/api/download", `{"modelId": "list-test"}`)
	var job Job
	json.Unmarshal(w.Body.Bytes(), &job)
	waitForJob(t, srv.jobs, job.ID)

	t.Run("list", func(t *testing.T) {
		w := doRequest(srv, "GET", "/api/jobs", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		if int(resp["count"].(float64)) < 1 {
			t.Error("expected at least one job")
		}
	})

	t.Run("get", func(t *testing.T) {
		w := doRequest(srv, "GET", "/api/jobs/"+job.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var got Job
		json.Unmarshal(w.Body.Bytes(), &got)
		if got.ID != job.ID || got.Status != JobStatusCompleted {
			t.Errorf("job = %+v", got)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		if w := doRequest(srv, "GET", "/api/jobs/deadbeef0000", ""); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("cancel finished", func(t *testing.T) {
		if w := doRequest(srv, "DELETE", "/api/jobs/"+job.ID, ""); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestAPIModelLifecycle(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator(t, testChunks()))

	job, _, err := srv.jobs.CreateJob("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got := waitForJob(t, srv.jobs, job.ID); got.Status != JobStatusCompleted {
		t.Fatalf("job status = %s, error %s", got.Status, got.Error)
	}

	t.Run("list models", func(t *testing.T) {
		w := doRequest(srv, "GET", "/api/models", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		if int(resp["count"].(float64)) != 1 {
			t.Errorf("count = %v, want 1", resp["count"])
		}
	})

	t.Run("get model", func(t *testing.T) {
		w := doRequest(srv, "GET", "/api/models/m1", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp ModelResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		if !resp.Exists || resp.ArtifactPath == "" || resp.Metadata == nil {
			t.Errorf("model = %+v", resp)
		}
	})

	t.Run("get unknown model", func(t *testing.T) {
		if w := doRequest(srv, "GET", "/api/models/nope", ""); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("delete model", func(t *testing.T) {
		if w := doRequest(srv, "DELETE", "/api/models/m1", ""); w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if w := doRequest(srv, "DELETE", "/api/models/m1", ""); w.Code != http.StatusNotFound {
			t.Errorf("second delete status = %d, want 404", w.Code)
		}
	})
}

func TestAPICleanup(t *testing.T) {
	srv := newTestServer(t, newFakeCoordinator(t, testChunks()))

	stale := filepath.Join(srv.config.StorageDir, "stale_chunk_0")
	if err := os.WriteFile(stale, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := doRequest(srv, "POST", "/api/cleanup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if int(resp["removed"].(float64)) < 1 {
		t.Errorf("removed = %v, want at least 1", resp["removed"])
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file should be gone")
	}
}

func TestAPISettingsMasked(t *testing.T) {
	f := newFakeCoordinator(t, testChunks())
	srv, err := New(Config{
		AccessKey:  "ak-abcdefghijklmnop",
		SecretKey:  "sk-secret",
		Endpoint:   f.srv.URL,
		StorageDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doRequest(srv, "GET", "/api/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp SettingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.AccessKey == "ak-abcdefghijklmnop" {
		t.Error("access key should be masked")
	}
	if resp.AccessKey != "********mnop" {
		t.Errorf("access key = %s, want ********mnop", resp.AccessKey)
	}
	if resp.StorageDir != srv.config.StorageDir {
		t.Errorf("storage dir = %s", resp.StorageDir)
	}
}
