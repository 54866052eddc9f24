// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// maxModelIDLen bounds model ids so derived filenames stay portable.
const maxModelIDLen = 128

// pathSet derives every on-disk name for a model id from the storage root.
// Pure computation, no I/O. Uniqueness across kinds is guaranteed by the
// suffix convention.
type pathSet struct {
	root         string
	nativeSuffix string
}

// chunk returns the slot for chunk index of modelID.
func (p pathSet) chunk(modelID string, index int) string {
	return filepath.Join(p.root, fmt.Sprintf("%s_chunk_%d", modelID, index))
}

// journal returns the progress journal path for modelID.
func (p pathSet) journal(modelID string) string {
	return filepath.Join(p.root, modelID+"_progress")
}

// artifact returns the generic finalized artifact path for modelID.
func (p pathSet) artifact(modelID string) string {
	return filepath.Join(p.root, modelID)
}

// nativeArtifact returns the native-inference artifact path for modelID.
// The native artifact is a directory.
func (p pathSet) nativeArtifact(modelID string) string {
	return filepath.Join(p.root, modelID+"."+p.nativeSuffix)
}

// metadata returns the artifact metadata path for modelID.
func (p pathSet) metadata(modelID string) string {
	return filepath.Join(p.root, modelID+"_metadata")
}

// lock returns the cross-process lock path for modelID.
func (p pathSet) lock(modelID string) string {
	return filepath.Join(p.root, modelID+"_lock")
}

// metadataSuffix is the filename suffix the catalog scans for.
const metadataSuffix = "_metadata"

// validateModelID rejects ids that would escape the storage directory or
// produce unportable filenames.
func validateModelID(id string) error {
	if id == "" || len(id) > maxModelIDLen {
		return ErrInvalidModelID
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidModelID
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return ErrInvalidModelID
		}
	}
	return nil
}
