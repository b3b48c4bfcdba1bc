// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package journal

import (
	"bytes"
	"testing"

	"github.com/archivelabs/zpaqgo/internal/block"
)

// bufWriterAt adapts a growable byte slice to io.WriterAt, for exercising
// Writer.Finalize's in-place rewrite path in tests.
type bufWriterAt struct {
	buf *bytes.Buffer
}

func (b *bufWriterAt) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *bufWriterAt) WriteAt(p []byte, off int64) (int, error) {
	data := b.buf.Bytes()
	if int(off)+len(p) > len(data) {
		return 0, bytes.ErrTooLarge
	}
	copy(data[off:], p)
	return len(p), nil
}

func TestReconstructOneVersion(t *testing.T) {
	var buf bytes.Buffer
	jw, err := NewWriter(&buf, 20260730120000, true)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := jw.WriteTransactionStart(0); err != nil {
		t.Fatalf("WriteTransactionStart: %v", err)
	}
	if err := jw.WriteHashTable(HashTablePayload{
		BSize:   4096,
		Entries: []HashEntry{{SHA1: [20]byte{9}, USize: 10}},
	}); err != nil {
		t.Fatalf("WriteHashTable: %v", err)
	}
	if err := jw.WriteIndex(IndexPayload{Records: []IndexRecord{
		{Date: 20260730120000, Name: "hello.txt", FragIDs: []uint32{1}},
	}}); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}

	v, err := Reconstruct(block.NewScanner(bytes.NewReader(buf.Bytes())), Until{})
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if len(v.Versions) != 1 {
		t.Fatalf("got %d versions, want 1", len(v.Versions))
	}
	f, ok := v.Files["hello.txt"]
	if !ok {
		t.Fatalf("hello.txt missing from reconstructed view")
	}
	if len(f.FragIDs) != 1 || f.FragIDs[0] != 1 {
		t.Fatalf("unexpected frag ids: %+v", f)
	}
	if len(v.Fragments) != 1 {
		t.Fatalf("got %d fragment table entries, want 1", len(v.Fragments))
	}
}

func TestReconstructAppliesDeletion(t *testing.T) {
	var buf bytes.Buffer
	jw, _ := NewWriter(&buf, 20260730120000, true)
	jw.WriteTransactionStart(0)
	jw.WriteIndex(IndexPayload{Records: []IndexRecord{{Date: 1, Name: "a.txt", FragIDs: []uint32{1}}}})
	jw.WriteIndex(IndexPayload{Records: []IndexRecord{{Date: 0, Name: "a.txt"}}})

	v, err := ReconstructAll(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReconstructAll: %v", err)
	}
	if _, ok := v.Files["a.txt"]; ok {
		t.Fatalf("a.txt should have been deleted from the view")
	}
}

func TestReconstructRespectsUntil(t *testing.T) {
	var buf bytes.Buffer
	jw, _ := NewWriter(&buf, 100, true)
	jw.WriteTransactionStart(0)
	jw.WriteIndex(IndexPayload{Records: []IndexRecord{{Date: 100, Name: "early.txt", FragIDs: []uint32{1}}}})

	jw2, _ := NewWriter(&buf, 200, true)
	jw2.WriteTransactionStart(int64(buf.Len()))
	jw2.WriteIndex(IndexPayload{Records: []IndexRecord{{Date: 200, Name: "late.txt", FragIDs: []uint32{2}}}})

	v, err := Reconstruct(block.NewScanner(bytes.NewReader(buf.Bytes())), Until{Date: 150})
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if _, ok := v.Files["early.txt"]; !ok {
		t.Fatalf("early.txt should be visible at until=150")
	}
	if _, ok := v.Files["late.txt"]; ok {
		t.Fatalf("late.txt should be truncated away at until=150")
	}
}

func TestFinalizeRewritesOrReportsDrift(t *testing.T) {
	wat := &bufWriterAt{buf: &bytes.Buffer{}}
	jw, err := NewWriter(wat, 20260730120000, false)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := jw.WriteTransactionStart(0); err != nil {
		t.Fatalf("WriteTransactionStart: %v", err)
	}

	err = jw.Finalize(999)
	if err == nil {
		v, rerr := ReconstructAll(bytes.NewReader(wat.buf.Bytes()))
		if rerr != nil {
			t.Fatalf("ReconstructAll after Finalize: %v", rerr)
		}
		if len(v.Versions) != 1 || v.Versions[0].EndOffset != 999 {
			t.Fatalf("finalize did not take effect: %+v", v.Versions)
		}
	}
	// A non-nil error (width drift) is an accepted outcome: the writer
	// must refuse to rewrite rather than corrupt subsequent offsets.
}
