// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDataBlockPayloadFooter(t *testing.T) {
	db := newDataBlock(1 << 20)
	db.Append([]byte("fragment one"))
	db.Append([]byte("fragment two, longer"))

	payload := db.Payload()
	rawLen := len("fragment one") + len("fragment two, longer")
	if !bytes.Equal(payload[:rawLen], append([]byte("fragment one"), []byte("fragment two, longer")...)) {
		t.Fatalf("raw bytes mismatch")
	}
	footer := payload[rawLen:]
	count := binary.LittleEndian.Uint32(footer[len(footer)-4:])
	if count != 2 {
		t.Fatalf("fragment count = %d, want 2", count)
	}
	s0 := binary.LittleEndian.Uint32(footer[0:])
	s1 := binary.LittleEndian.Uint32(footer[4:])
	if s0 != uint32(len("fragment one")) || s1 != uint32(len("fragment two, longer")) {
		t.Fatalf("sizes = %d,%d", s0, s1)
	}
}

func TestDataBlockSplitRoundTrip(t *testing.T) {
	db := newDataBlock(1 << 20)
	frags := [][]byte{[]byte("one"), []byte("two-longer"), []byte("3")}
	for _, f := range frags {
		db.Append(f)
	}
	got, err := splitDataBlockPayload(db.Payload())
	if err != nil {
		t.Fatalf("splitDataBlockPayload: %v", err)
	}
	if len(got) != len(frags) {
		t.Fatalf("got %d fragments, want %d", len(got), len(frags))
	}
	for i := range frags {
		if !bytes.Equal(got[i], frags[i]) {
			t.Fatalf("fragment %d mismatch: got %q, want %q", i, got[i], frags[i])
		}
	}
}

func TestDataBlockWouldOverflow(t *testing.T) {
	db := newDataBlock(10)
	if db.WouldOverflow([]byte("0123456789")) {
		t.Fatalf("exact fit should not overflow")
	}
	if !db.WouldOverflow([]byte("01234567890")) {
		t.Fatalf("over-target append should overflow")
	}
}

func TestDataBlockPoorlyCorrelatedNeedsPriorData(t *testing.T) {
	db := newDataBlock(1 << 20)
	if db.PoorlyCorrelated([]byte("anything")) {
		t.Fatalf("an empty block has nothing to compare against")
	}
}

func TestDataBlockPoorlyCorrelatedDetectsMismatch(t *testing.T) {
	db := newDataBlock(1 << 20)
	// Highly repetitive content drives the order-1 hit rate close to 1.
	db.Append(bytes.Repeat([]byte{'a', 'b'}, 4096))

	// Random-looking, non-repeating content should score a much lower hit
	// rate against the same order-1 table.
	mismatch := deterministicBytes(4096)
	if !db.PoorlyCorrelated(mismatch) {
		t.Fatalf("expected mismatch to be judged poorly correlated")
	}
}

func TestDataBlockPoorlyCorrelatedAcceptsSimilarContent(t *testing.T) {
	db := newDataBlock(1 << 20)
	db.Append(bytes.Repeat([]byte{'a', 'b'}, 4096))
	if db.PoorlyCorrelated(bytes.Repeat([]byte{'a', 'b'}, 2048)) {
		t.Fatalf("similar content should not be judged poorly correlated")
	}
}
