// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTestArchivePasses(t *testing.T) {
	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	archivePath := filepath.Join(t.TempDir(), "archive.zpaq")
	if err := AddToFile(Config{}, archivePath, []string{srcDir}); err != nil {
		t.Fatalf("AddToFile: %v", err)
	}
	if err := TestArchive(Config{}, archivePath); err != nil {
		t.Fatalf("TestArchive: %v", err)
	}
}

func TestTestArchiveDetectsCorruption(t *testing.T) {
	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	archivePath := filepath.Join(t.TempDir(), "archive.zpaq")
	if err := AddToFile(Config{}, archivePath, []string{srcDir}); err != nil {
		t.Fatalf("AddToFile: %v", err)
	}

	raw, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip a byte well into the archive body, past the header, to corrupt a
	// segment's arithmetic-coded payload without destroying the file's
	// overall block structure.
	flip := len(raw) - len(raw)/3
	raw[flip] ^= 0xff
	if err := os.WriteFile(archivePath, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := TestArchive(Config{}, archivePath); err == nil {
		t.Fatalf("expected TestArchive to report corruption")
	}
}
