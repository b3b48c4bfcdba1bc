// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package journal

import "testing"

func TestFilenameRoundTrip(t *testing.T) {
	name := FilenameFor(20260730120000, TypeIndex, 42)
	if len(name) != 28 {
		t.Fatalf("filename length = %d, want 28: %q", len(name), name)
	}
	date, typ, num, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("ParseFilename: %v", err)
	}
	if date != 20260730120000 || typ != TypeIndex || num != 42 {
		t.Fatalf("got (%d, %c, %d), want (20260730120000, i, 42)", date, typ, num)
	}
}

func TestParseFilenameRejectsGarbage(t *testing.T) {
	cases := []string{"", "not-a-journal-name", "jDC" + "x"}
	for _, c := range cases {
		if _, _, _, err := ParseFilename(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

func TestTransactionPayloadRoundTrip(t *testing.T) {
	p := TransactionPayload{EndOffset: 123456789}
	got, err := DecodeTransactionPayload(p.Encode())
	if err != nil {
		t.Fatalf("DecodeTransactionPayload: %v", err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestHashTablePayloadRoundTrip(t *testing.T) {
	p := HashTablePayload{
		BSize: 4096,
		Entries: []HashEntry{
			{SHA1: [20]byte{1, 2, 3}, USize: 1000},
			{SHA1: [20]byte{4, 5, 6}, USize: 2000},
		},
	}
	got, err := DecodeHashTablePayload(p.Encode(), 7)
	if err != nil {
		t.Fatalf("DecodeHashTablePayload: %v", err)
	}
	if got.FirstID != 7 || got.BSize != p.BSize || len(got.Entries) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Entries[1].USize != 2000 {
		t.Fatalf("entry mismatch: %+v", got.Entries[1])
	}
}

func TestIndexPayloadRoundTrip(t *testing.T) {
	p := IndexPayload{Records: []IndexRecord{
		{Date: 20260730120000, Name: "a/b.txt", Attr: []byte{0x81, 0xA4}, FragIDs: []uint32{1, 2, 3}},
		{Date: 0, Name: "deleted.txt"},
	}}
	got, err := DecodeIndexPayload(p.Encode())
	if err != nil {
		t.Fatalf("DecodeIndexPayload: %v", err)
	}
	if len(got.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(got.Records))
	}
	if got.Records[0].Name != "a/b.txt" || len(got.Records[0].FragIDs) != 3 {
		t.Fatalf("record 0 mismatch: %+v", got.Records[0])
	}
	if !got.Records[1].IsDelete() {
		t.Fatalf("record 1 should be a deletion")
	}
}
