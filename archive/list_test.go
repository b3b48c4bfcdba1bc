// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"path/filepath"
	"testing"
)

func TestList(t *testing.T) {
	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	archivePath := filepath.Join(t.TempDir(), "archive.zpaq")
	if err := AddToFile(Config{}, archivePath, []string{srcDir}); err != nil {
		t.Fatalf("AddToFile: %v", err)
	}

	files, err := List(Config{}, archivePath)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(files), files)
	}
	for _, fi := range files {
		if fi.Size <= 0 {
			t.Fatalf("%s: size = %d, want > 0", fi.Name, fi.Size)
		}
		if fi.Frags == 0 {
			t.Fatalf("%s: frags = 0", fi.Name)
		}
	}

	versions, err := Versions(Config{}, archivePath)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("got %d versions, want 1", len(versions))
	}
	if !versions[0].Complete {
		t.Fatalf("expected version to be complete")
	}
}
