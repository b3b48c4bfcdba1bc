// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"encoding/binary"
	"fmt"
)

// dataBlock accumulates fragment bytes destined for one journal "d" block
// (§ 4.6 "block packing"). It tracks the same order-1 hit table the
// fragmenter uses, so a candidate fragment's correlation with the block's
// existing content can be judged by the same signal that drove fragment
// cuts in the first place.
type dataBlock struct {
	target int
	buf    []byte
	sizes  []uint32

	o1         [256]byte
	prev       byte
	hits, total int
}

// newDataBlock returns an empty block targeting size bytes (§ 4.6's B).
func newDataBlock(size int) *dataBlock {
	return &dataBlock{target: size}
}

// reset clears db back to empty, keeping its identity (and target size) so
// callers that hold a *dataBlock across a flush keep referring to the same,
// now-fresh block rather than one that was already handed off for
// compression.
func (db *dataBlock) reset() {
	db.buf = nil
	db.sizes = nil
	db.o1 = [256]byte{}
	db.prev = 0
	db.hits = 0
	db.total = 0
}

func (db *dataBlock) Len() int            { return len(db.buf) }
func (db *dataBlock) FragmentCount() int  { return len(db.sizes) }

// WouldOverflow reports whether appending data would exceed the block's
// target size.
func (db *dataBlock) WouldOverflow(data []byte) bool {
	return len(db.buf)+len(data) > db.target
}

// hitRate returns the block's order-1 hit rate so far, or -1 if it has not
// coded enough bytes to have an opinion.
func (db *dataBlock) hitRate() float64 {
	if db.total == 0 {
		return -1
	}
	return float64(db.hits) / float64(db.total)
}

// PoorlyCorrelated implements § 4.6's packing heuristic: compare the
// block's accumulated order-1 hit rate against the candidate fragment's
// first 4 KiB, sampled against the block's own order-1 table (without
// mutating it). A drop of more than half predicts poor mutual information,
// so the caller should start a new block instead of appending here.
func (db *dataBlock) PoorlyCorrelated(candidate []byte) bool {
	cur := db.hitRate()
	if cur <= 0 {
		return false // nothing accumulated yet to compare against
	}
	sample := candidate
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	o1 := db.o1 // order-1 table is an array; this copies it
	prev := db.prev
	var hits, total int
	for _, c := range sample {
		if o1[prev] == c {
			hits++
		}
		total++
		o1[prev] = c
		prev = c
	}
	if total == 0 {
		return false
	}
	return float64(hits)/float64(total) < cur/2
}

// Append adds data as one more fragment's bytes to the block, folding it
// into the order-1 table used by PoorlyCorrelated.
func (db *dataBlock) Append(data []byte) {
	db.buf = append(db.buf, data...)
	db.sizes = append(db.sizes, uint32(len(data)))
	for _, c := range data {
		if db.o1[db.prev] == c {
			db.hits++
		}
		db.total++
		db.o1[db.prev] = c
		db.prev = c
	}
}

// footer encodes the per-fragment sizes followed by their count, appended
// after the raw bytes, so a reader can recover fragment boundaries even if
// the hash-table blocks that describe them are lost (§ 4.6). Count comes
// last, rather than first, so a reader can self-delimit the footer from
// the end of the payload without first needing to know where the raw
// bytes end.
func (db *dataBlock) footer() []byte {
	out := make([]byte, 4*len(db.sizes)+4)
	for i, s := range db.sizes {
		binary.LittleEndian.PutUint32(out[4*i:], s)
	}
	binary.LittleEndian.PutUint32(out[4*len(db.sizes):], uint32(len(db.sizes)))
	return out
}

// Payload returns the raw fragment bytes followed by the size-table
// footer, ready to become a journal "d" block segment's pre-image.
func (db *dataBlock) Payload() []byte {
	return append(append([]byte(nil), db.buf...), db.footer()...)
}

// splitDataBlockPayload reverses Payload: it reads the trailing fragment
// count, then the size table immediately before it, and slices the raw
// bytes that precede the footer into per-fragment byte slices, in the
// order they were appended.
func splitDataBlockPayload(payload []byte) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("archive: data block payload too short for footer")
	}
	count := binary.LittleEndian.Uint32(payload[len(payload)-4:])
	footerLen := 4*int(count) + 4
	if footerLen > len(payload) {
		return nil, fmt.Errorf("archive: data block footer (%d bytes) exceeds payload (%d bytes)", footerLen, len(payload))
	}
	sizesStart := len(payload) - footerLen
	rawEnd := sizesStart
	frags := make([][]byte, 0, count)
	pos := 0
	for i := 0; i < int(count); i++ {
		size := binary.LittleEndian.Uint32(payload[sizesStart+4*i:])
		if pos+int(size) > rawEnd {
			return nil, fmt.Errorf("archive: data block fragment %d overruns raw section", i)
		}
		frags = append(frags, payload[pos:pos+int(size)])
		pos += int(size)
	}
	if pos != rawEnd {
		return nil, fmt.Errorf("archive: data block raw section has %d trailing unaccounted bytes", rawEnd-pos)
	}
	return frags, nil
}
