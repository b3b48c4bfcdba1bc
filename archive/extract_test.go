// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddExtractRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	archivePath := filepath.Join(t.TempDir(), "archive.zpaq")
	if err := AddToFile(Config{}, archivePath, []string{srcDir}); err != nil {
		t.Fatalf("AddToFile: %v", err)
	}

	outDir := t.TempDir()
	if err := ExtractToDir(Config{}, archivePath, outDir, nil); err != nil {
		t.Fatalf("ExtractToDir: %v", err)
	}

	want := map[string]string{
		"hello.txt":      "hello, world, repeated. hello, world, repeated. hello, world, repeated.",
		"sub/nested.txt": "nested content that differs from hello.txt entirely, with its own bytes.",
	}
	for name, content := range want {
		got, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("reading extracted %q: %v", name, err)
		}
		if string(got) != content {
			t.Fatalf("%s: got %q, want %q", name, got, content)
		}
	}
}

func TestAddExtractRoundTripMethod1(t *testing.T) {
	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	archivePath := filepath.Join(t.TempDir(), "archive.zpaq")
	if err := AddToFile(Config{Method: "1"}, archivePath, []string{srcDir}); err != nil {
		t.Fatalf("AddToFile: %v", err)
	}

	outDir := t.TempDir()
	if err := ExtractToDir(Config{}, archivePath, outDir, []string{"hello.txt"}); err != nil {
		t.Fatalf("ExtractToDir: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "hello.txt"))
	if err != nil {
		t.Fatalf("reading extracted hello.txt: %v", err)
	}
	want := "hello, world, repeated. hello, world, repeated. hello, world, repeated."
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(outDir, "sub", "nested.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected sub/nested.txt to be skipped by the name filter, stat err=%v", err)
	}
}
