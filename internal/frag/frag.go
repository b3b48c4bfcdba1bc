// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package frag implements the content-defined fragmenter and the
// fragment-hash dedup index described in § 4.6: input files are cut into
// variable-length fragments at content-dependent boundaries, each fragment
// is hashed, and repeated fragments are stored once.
package frag

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Fragment is one content-defined chunk of an input file.
type Fragment struct {
	ID   uint64 // stable within one archive; 0 is never a valid ID
	SHA1 [20]byte
	Data []byte // nil when Dup is true: the caller should look up ID instead
	Dup  bool
}

// Chunker implements the rolling cut-point predicate from § 4.6: a cut is
// taken when the rolling signal drops below a size-scaled threshold and
// the fragment has already reached the minimum size, or unconditionally at
// the forced maximum size or at EOF.
type Chunker struct {
	f int // log-fragment-size parameter, 0..19

	o1   [256]byte
	prev byte
	h    uint32

	buf []byte
}

// NewChunker returns a Chunker for fragment-size parameter f (0..19), per
// § 4.6's F parameter.
func NewChunker(f int) *Chunker {
	if f < 0 {
		f = 0
	}
	if f > 19 {
		f = 19
	}
	return &Chunker{f: f}
}

func (c *Chunker) minSize() int  { return 64 << uint(c.f) }
func (c *Chunker) maxSize() int  { return 8128 << uint(c.f) }
func (c *Chunker) threshold() uint32 { return uint32(1<<22) >> uint(c.f) }

// Next feeds the chunker from r until it emits the next fragment's raw
// bytes, or returns io.EOF once r is exhausted and no partial fragment
// remains.
func (c *Chunker) Next(r io.ByteReader) ([]byte, error) {
	c.buf = c.buf[:0]
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(c.buf) == 0 {
					return nil, io.EOF
				}
				return c.take(), nil
			}
			return nil, err
		}
		c.buf = append(c.buf, b)

		if c.o1[c.prev] == b {
			c.h = (c.h + uint32(b) + 1) * 314159265
		} else {
			c.h = (c.h + uint32(b) + 1) * 271828182
		}
		c.o1[c.prev] = b
		c.prev = b

		if len(c.buf) >= c.maxSize() {
			return c.take(), nil
		}
		if len(c.buf) >= c.minSize() && c.h < c.threshold() {
			return c.take(), nil
		}
	}
}

func (c *Chunker) take() []byte {
	out := append([]byte(nil), c.buf...)
	c.buf = c.buf[:0]
	return out
}

// Index deduplicates fragments by SHA-1 across one archive's lifetime. A
// secondary xxhash key shards lookups so a full 20-byte compare only runs
// against candidates that already agree on the cheap 64-bit hash.
type Index struct {
	byXXHash map[uint64][]entry
	nextID   uint64
}

type entry struct {
	sha1 [20]byte
	id   uint64
}

// NewIndex returns an empty fragment index.
func NewIndex() *Index {
	return &Index{byXXHash: make(map[uint64][]entry)}
}

// Lookup finds the fragment ID previously registered for sha1, if any.
func (ix *Index) Lookup(data []byte, sum [20]byte) (id uint64, ok bool) {
	key := xxhash.Sum64(data)
	for _, e := range ix.byXXHash[key] {
		if e.sha1 == sum {
			return e.id, true
		}
	}
	return 0, false
}

// Register allocates a new fragment ID for data and records it in the
// index. The caller must have already confirmed, via Lookup, that data is
// not a duplicate.
func (ix *Index) Register(data []byte, sum [20]byte) uint64 {
	ix.nextID++
	id := ix.nextID
	key := xxhash.Sum64(data)
	ix.byXXHash[key] = append(ix.byXXHash[key], entry{sha1: sum, id: id})
	return id
}

// Put hashes data and either returns the ID of an existing identical
// fragment (Dup=true, Data=nil) or registers data as a new fragment
// (Dup=false, Data=data).
func (ix *Index) Put(data []byte) Fragment {
	sum := sha1.Sum(data)
	if id, ok := ix.Lookup(data, sum); ok {
		return Fragment{ID: id, SHA1: sum, Dup: true}
	}
	id := ix.Register(data, sum)
	return Fragment{ID: id, SHA1: sum, Data: data}
}

// Len reports how many distinct fragments have been registered.
func (ix *Index) Len() uint64 { return ix.nextID }

// ErrFragmentNotFound is returned when a reader encounters a fragment ID
// reference with no corresponding registration.
var ErrFragmentNotFound = fmt.Errorf("frag: referenced fragment id not found")
