// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashBytes(t *testing.T) {
	got := hashBytes([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("hashBytes = %s, want %s", got, want)
	}

	empty := hashBytes(nil)
	if empty != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("hashBytes(nil) = %s", empty)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := hashFile(path)
	if err != nil {
		t.Fatalf("hashFile: %v", err)
	}
	if got != hashBytes([]byte("hello")) {
		t.Errorf("hashFile = %s, want %s", got, hashBytes([]byte("hello")))
	}

	if _, err := hashFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
