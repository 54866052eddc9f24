// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"os"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// journalStore reads and writes per-model progress journals. Saves are
// atomic against process crash: write a sibling temp file, fsync, rename.
type journalStore struct {
	paths  pathSet
	logger *zap.Logger
}

func newJournalStore(paths pathSet, logger *zap.Logger) *journalStore {
	return &journalStore{paths: paths, logger: logger}
}

// load returns the journal for modelID, or nil if none exists. An
// unreadable or undecodable journal is treated as absent.
func (s *journalStore) load(modelID string) *Journal {
	path := s.paths.journal(modelID)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("journal unreadable, treating as absent",
				zap.String("model", modelID), zap.Error(err))
		}
		return nil
	}

	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		s.logger.Warn("journal corrupt, treating as absent",
			zap.String("model", modelID), zap.Error(err))
		return nil
	}
	return &j
}

// save persists the journal atomically and stamps LastUpdated.
func (s *journalStore) save(j *Journal) error {
	j.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}

	path := s.paths.journal(j.ModelID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// delete removes the journal for modelID. Missing journals are not an error.
func (s *journalStore) delete(modelID string) error {
	err := os.Remove(s.paths.journal(modelID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// newJournal builds a fresh journal from a manifest.
func newJournal(m *Manifest) *Journal {
	hashes := make(map[int]string, len(m.Chunks))
	for _, ch := range m.Chunks {
		hashes[ch.Index] = ch.Hash
	}
	return &Journal{
		ModelID:     m.ModelID,
		WholeHash:   m.WholeHash,
		FileExt:     m.FileExt,
		TotalChunks: len(m.Chunks),
		ChunkHashes: hashes,
		ModelName:   m.ModelName,
		Version:     m.Version,
		Description: m.Description,
		Category:    m.Category,
	}
}
