// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// manifestClient requests chunk manifests from the coordination service.
// It performs no retries; retry policy lives above this layer.
type manifestClient struct {
	endpoint  string
	accessKey string
	secretKey string
	httpc     *http.Client
	logger    *zap.Logger
}

func newManifestClient(endpoint, accessKey, secretKey string, httpc *http.Client, logger *zap.Logger) *manifestClient {
	return &manifestClient{
		endpoint:  strings.TrimRight(endpoint, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		httpc:     httpc,
		logger:    logger,
	}
}

// Wire types for the coordination service response.

type wireURLInfo struct {
	URL        string `json:"url"`
	Expiration int64  `json:"expiration"`
}

type wireChunk struct {
	ChunkIndex int         `json:"chunkIndex"`
	URLInfo    wireURLInfo `json:"urlInfo"`
	ChunkHash  string      `json:"chunkHash"`
}

type wireManifest struct {
	URLInfoList []wireChunk `json:"urlInfoList"`
	Hash        string      `json:"hash"`
	ModelName   string      `json:"modelName"`
	ModelID     string      `json:"modelId"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	FileExt     string      `json:"fileExt"`
}

// fetch requests the manifest for modelID via POST {endpoint}/initDownload.
func (c *manifestClient) fetch(ctx context.Context, modelID string) (*Manifest, error) {
	body, err := json.Marshal(map[string]string{"modelId": modelID})
	if err != nil {
		return nil, err
	}

	reqURL := c.endpoint + "/initDownload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessKey+":"+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: reqURL}
	}

	var wm wireManifest
	if err := json.NewDecoder(resp.Body).Decode(&wm); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	m := &Manifest{
		ModelID:     wm.ModelID,
		ModelName:   wm.ModelName,
		Version:     wm.Version,
		Description: wm.Description,
		Category:    wm.Category,
		WholeHash:   strings.ToLower(wm.Hash),
		FileExt:     wm.FileExt,
		Chunks:      make([]ChunkInfo, 0, len(wm.URLInfoList)),
	}
	for _, wc := range wm.URLInfoList {
		m.Chunks = append(m.Chunks, ChunkInfo{
			Index:     wc.ChunkIndex,
			SignedURL: wc.URLInfo.URL,
			ExpiresAt: wc.URLInfo.Expiration,
			Hash:      strings.ToLower(wc.ChunkHash),
		})
	}
	sort.Slice(m.Chunks, func(i, k int) bool { return m.Chunks[i].Index < m.Chunks[k].Index })

	// Indices must be contiguous from zero.
	for i, ch := range m.Chunks {
		if ch.Index != i {
			return nil, ErrManifestInvalid
		}
	}
	if len(m.Chunks) == 0 {
		return nil, ErrManifestInvalid
	}

	c.logger.Debug("manifest fetched",
		zap.String("model", m.ModelID),
		zap.Int("chunks", len(m.Chunks)),
		zap.String("fileExt", m.FileExt))
	return m, nil
}
