// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package journal implements the version/transaction layer on top of
// internal/block: the c/d/h/i block taxonomy, the special filename
// encoding that tags each block's role, and reconstruction of the
// cumulative directory/version (DTV) view from a sequence of blocks.
package journal

import (
	"encoding/binary"
	"fmt"
)

// Type identifies a journal block's role, per § 4.7.
type Type byte

const (
	TypeTransaction Type = 'c'
	TypeData        Type = 'd'
	TypeHashTable   Type = 'h'
	TypeIndex       Type = 'i'
)

// FilenameFor builds the special `jDC<14-digit-date><type><10-digit-num>`
// filename a journal block's sole segment carries, identifying its role
// and sequence number within the archive.
func FilenameFor(date int64, t Type, num uint64) string {
	return fmt.Sprintf("jDC%014d%c%010d", date, byte(t), num)
}

// ParseFilename recovers the fields encoded by FilenameFor, or an error if
// name isn't a validly formatted journal filename.
func ParseFilename(name string) (date int64, t Type, num uint64, err error) {
	if len(name) != 3+14+1+10 || name[:3] != "jDC" {
		return 0, 0, 0, fmt.Errorf("journal: not a journal filename: %q", name)
	}
	if _, err := fmt.Sscanf(name[3:17], "%014d", &date); err != nil {
		return 0, 0, 0, fmt.Errorf("journal: bad date in %q: %w", name, err)
	}
	t = Type(name[17])
	switch t {
	case TypeTransaction, TypeData, TypeHashTable, TypeIndex:
	default:
		return 0, 0, 0, fmt.Errorf("journal: unknown block type %q in %q", name[17:18], name)
	}
	if _, err := fmt.Sscanf(name[18:], "%010d", &num); err != nil {
		return 0, 0, 0, fmt.Errorf("journal: bad sequence number in %q: %w", name, err)
	}
	return date, t, num, nil
}

// TransactionPayload is the payload of a `c` block: an 8-byte
// little-endian offset to the end of the version, or 0 while the version
// is still in progress.
type TransactionPayload struct {
	EndOffset uint64
}

// Encode serialises the payload.
func (t TransactionPayload) Encode() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], t.EndOffset)
	return b[:]
}

// DecodeTransactionPayload parses a `c` block's payload.
func DecodeTransactionPayload(b []byte) (TransactionPayload, error) {
	if len(b) != 8 {
		return TransactionPayload{}, fmt.Errorf("journal: transaction payload must be 8 bytes, got %d", len(b))
	}
	return TransactionPayload{EndOffset: binary.LittleEndian.Uint64(b)}, nil
}

// HashEntry is one record in an `h` block: a fragment's SHA-1 and its
// uncompressed size.
type HashEntry struct {
	SHA1  [20]byte
	USize uint32
}

// HashTablePayload is the payload of an `h` block: the block size the
// fragments originated from, followed by one HashEntry per fragment, for
// one contiguous run of fragment IDs starting at FirstID.
type HashTablePayload struct {
	FirstID uint64
	BSize   uint32
	Entries []HashEntry
}

// Encode serialises the payload as `bsize[4] (sha1[20] usize[4])*`. FirstID
// is carried out of band (by the caller tracking block order), matching
// the on-disk layout, which has no room for it.
func (h HashTablePayload) Encode() []byte {
	buf := make([]byte, 4+len(h.Entries)*24)
	binary.LittleEndian.PutUint32(buf[0:4], h.BSize)
	pos := 4
	for _, e := range h.Entries {
		copy(buf[pos:pos+20], e.SHA1[:])
		binary.LittleEndian.PutUint32(buf[pos+20:pos+24], e.USize)
		pos += 24
	}
	return buf
}

// DecodeHashTablePayload parses an `h` block's payload. firstID is the
// fragment ID the caller has determined this run starts at (tracked across
// blocks, since it isn't stored on disk).
func DecodeHashTablePayload(b []byte, firstID uint64) (HashTablePayload, error) {
	if len(b) < 4 {
		return HashTablePayload{}, fmt.Errorf("journal: truncated hash table payload")
	}
	h := HashTablePayload{FirstID: firstID, BSize: binary.LittleEndian.Uint32(b[:4])}
	rest := b[4:]
	if len(rest)%24 != 0 {
		return HashTablePayload{}, fmt.Errorf("journal: hash table payload not a multiple of 24 bytes")
	}
	for pos := 0; pos < len(rest); pos += 24 {
		var e HashEntry
		copy(e.SHA1[:], rest[pos:pos+20])
		e.USize = binary.LittleEndian.Uint32(rest[pos+20 : pos+24])
		h.Entries = append(h.Entries, e)
	}
	return h, nil
}

// IndexRecord is one file's entry in an `i` block: its attributes and the
// fragment IDs making up its contents, or a deletion marker (Date == 0).
type IndexRecord struct {
	Date     int64
	Name     string
	Attr     []byte
	FragIDs  []uint32
}

// IsDelete reports whether this record deletes Name rather than adding or
// updating it, per § 4.7 ("date == 0 denotes a deletion").
func (r IndexRecord) IsDelete() bool { return r.Date == 0 }

// IndexPayload is the payload of an `i` block: a sequence of IndexRecords.
type IndexPayload struct {
	Records []IndexRecord
}

// Encode serialises the payload as a sequence of
// `(date[8], name\0, attr_len[4], attr[attr_len], frag_count[4], frag_id[4]*)`.
func (p IndexPayload) Encode() []byte {
	var buf []byte
	var scratch [8]byte
	for _, r := range p.Records {
		binary.LittleEndian.PutUint64(scratch[:], uint64(r.Date))
		buf = append(buf, scratch[:8]...)
		buf = append(buf, []byte(r.Name)...)
		buf = append(buf, 0)
		var l4 [4]byte
		binary.LittleEndian.PutUint32(l4[:], uint32(len(r.Attr)))
		buf = append(buf, l4[:]...)
		buf = append(buf, r.Attr...)
		binary.LittleEndian.PutUint32(l4[:], uint32(len(r.FragIDs)))
		buf = append(buf, l4[:]...)
		for _, id := range r.FragIDs {
			binary.LittleEndian.PutUint32(l4[:], id)
			buf = append(buf, l4[:]...)
		}
	}
	return buf
}

// DecodeIndexPayload parses an `i` block's payload.
func DecodeIndexPayload(b []byte) (IndexPayload, error) {
	var p IndexPayload
	pos := 0
	for pos < len(b) {
		if pos+8 > len(b) {
			return IndexPayload{}, fmt.Errorf("journal: truncated index record date")
		}
		date := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
		pos += 8

		nameEnd := pos
		for nameEnd < len(b) && b[nameEnd] != 0 {
			nameEnd++
		}
		if nameEnd >= len(b) {
			return IndexPayload{}, fmt.Errorf("journal: unterminated filename in index record")
		}
		name := string(b[pos:nameEnd])
		pos = nameEnd + 1

		if pos+4 > len(b) {
			return IndexPayload{}, fmt.Errorf("journal: truncated attr length")
		}
		attrLen := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if pos+attrLen > len(b) {
			return IndexPayload{}, fmt.Errorf("journal: truncated attr bytes")
		}
		attr := append([]byte(nil), b[pos:pos+attrLen]...)
		pos += attrLen

		if pos+4 > len(b) {
			return IndexPayload{}, fmt.Errorf("journal: truncated fragment count")
		}
		fragCount := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		ids := make([]uint32, fragCount)
		for i := 0; i < fragCount; i++ {
			if pos+4 > len(b) {
				return IndexPayload{}, fmt.Errorf("journal: truncated fragment id list")
			}
			ids[i] = binary.LittleEndian.Uint32(b[pos : pos+4])
			pos += 4
		}
		p.Records = append(p.Records, IndexRecord{Date: date, Name: name, Attr: attr, FragIDs: ids})
	}
	return p, nil
}
