// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// catalog enumerates completed artifacts from the on-disk layout. Catalog
// operations never mutate state.
type catalog struct {
	paths  pathSet
	logger *zap.Logger
}

func newCatalog(paths pathSet, logger *zap.Logger) *catalog {
	return &catalog{paths: paths, logger: logger}
}

// readMetadata decodes the metadata file at path.
func (c *catalog) readMetadata(path string) (*ArtifactMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md ArtifactMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// artifactPath returns the on-disk artifact for modelID, preferring the
// native-format directory when present. The bool is false when neither
// form exists.
func (c *catalog) artifactPath(modelID string) (string, bool) {
	native := c.paths.nativeArtifact(modelID)
	if fi, err := os.Stat(native); err == nil && fi.IsDir() {
		return native, true
	}
	generic := c.paths.artifact(modelID)
	if _, err := os.Stat(generic); err == nil {
		return generic, true
	}
	return "", false
}

// listAll returns a snapshot of every completed artifact, ordered by
// download date descending.
func (c *catalog) listAll() ([]Artifact, error) {
	entries, err := os.ReadDir(c.paths.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Artifact
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		modelID := strings.TrimSuffix(name, metadataSuffix)
		mdPath := filepath.Join(c.paths.root, name)

		md, err := c.readMetadata(mdPath)
		if err != nil {
			c.logger.Warn("skipping unreadable metadata",
				zap.String("path", mdPath), zap.Error(err))
			continue
		}

		artPath, ok := c.artifactPath(modelID)
		if !ok {
			c.logger.Warn("metadata without artifact, skipping",
				zap.String("model", modelID))
			continue
		}

		out = append(out, Artifact{
			Metadata:     *md,
			Path:         artPath,
			MetadataPath: mdPath,
			SizeBytes:    diskSize(artPath),
		})
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].Metadata.DownloadDate.After(out[k].Metadata.DownloadDate)
	})
	return out, nil
}

// findByID reports whether modelID has a completed artifact.
func (c *catalog) findByID(modelID string) ExistenceResult {
	mdPath := c.paths.metadata(modelID)
	md, err := c.readMetadata(mdPath)
	if err != nil {
		return ExistenceResult{}
	}
	artPath, ok := c.artifactPath(modelID)
	if !ok {
		return ExistenceResult{}
	}
	return ExistenceResult{
		Exists:       true,
		ArtifactPath: artPath,
		MetadataPath: mdPath,
		Metadata:     md,
	}
}

// findByName scans metadata files for an exact model_name match and
// returns the first hit.
func (c *catalog) findByName(name string) ExistenceResult {
	entries, err := os.ReadDir(c.paths.root)
	if err != nil {
		return ExistenceResult{}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataSuffix) {
			continue
		}
		mdPath := filepath.Join(c.paths.root, e.Name())
		md, err := c.readMetadata(mdPath)
		if err != nil {
			continue
		}
		if md.ModelName != name {
			continue
		}
		modelID := strings.TrimSuffix(e.Name(), metadataSuffix)
		artPath, ok := c.artifactPath(modelID)
		if !ok {
			continue
		}
		return ExistenceResult{
			Exists:       true,
			ArtifactPath: artPath,
			MetadataPath: mdPath,
			Metadata:     md,
		}
	}
	return ExistenceResult{}
}

// diskSize returns the size of path, recursing into directories. Errors
// during the walk are ignored so a partially unreadable artifact still
// lists.
func diskSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !fi.IsDir() {
		return fi.Size()
	}
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
