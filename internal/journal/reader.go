// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package journal

import (
	"fmt"
	"io"

	"github.com/archivelabs/zpaqgo/internal/block"
)

// Version is one transaction's worth of file-index deltas, bounded by its
// `c` block's start and end offsets.
type Version struct {
	Date      int64
	StartNum  uint64 // the c block's sequence number
	EndOffset uint64 // 0 while still in progress
	Complete  bool
}

// DTV ("date, type, version") is one file's state as of a particular
// version: the cumulative view after applying every IndexRecord for that
// name up to and including this version.
type DTV struct {
	Name    string
	Date    int64 // 0 if deleted
	Attr    []byte
	FragIDs []uint32
}

// FragmentLocation is one fragment's metadata as recorded in an h block:
// its SHA-1 and uncompressed size.
type FragmentLocation struct {
	SHA1  [20]byte
	USize uint32
}

// View is the reconstructed state after walking a journal: versions seen,
// the latest DTV per filename, and the fragment table accumulated from `h`
// blocks.
type View struct {
	Versions []Version
	Files    map[string]DTV
	Fragments map[uint64]FragmentLocation // fragment ID -> metadata

	nextFragID uint64
}

// NewView returns an empty reconstruction.
func NewView() *View {
	return &View{Files: make(map[string]DTV), Fragments: make(map[uint64]FragmentLocation), nextFragID: 1}
}

// Until bounds how far Reconstruct walks: stop before applying any `c`
// block whose date exceeds it (0 means unbounded), per § 4.7's `-until`
// reader option.
type Until struct {
	Date int64 // 0 means unbounded
}

// Reconstruct walks every block in scanner, applying `c`/`h`/`i` blocks to
// build a View. It stops, without erroring, at the first `c` block whose
// date exceeds until.Date (when until.Date != 0) -- "unknown or
// future-dated c blocks truncate the view without erroring." A malformed
// block past a valid signature is still a hard error, matching block.Scanner.
func Reconstruct(scanner *block.Scanner, until Until) (*View, error) {
	v := NewView()
	var current *Version

	for {
		br, _, err := scanner.Next()
		if err == block.ErrNoMoreBlocks {
			break
		}
		if err != nil {
			return nil, err
		}

		for {
			seg, err := br.NextSegment()
			if err == block.ErrBlockEnd {
				break
			}
			if err != nil {
				return nil, err
			}
			date, typ, num, perr := ParseFilename(seg.Filename)
			if perr != nil {
				// Not a journal-formatted block; ignore (it may belong to a
				// differently-laid-out archive sharing the same block format).
				continue
			}
			switch typ {
			case TypeTransaction:
				if until.Date != 0 && date > until.Date {
					return v, nil
				}
				if current != nil && !current.Complete {
					// Previous transaction never closed: archive is truncated
					// mid-version; stop before starting a new one.
					return v, nil
				}
				tp, err := DecodeTransactionPayload(seg.Payload)
				if err != nil {
					return nil, fmt.Errorf("journal: c block %d: %w", num, err)
				}
				nv := Version{Date: date, StartNum: num, EndOffset: tp.EndOffset, Complete: tp.EndOffset != 0}
				v.Versions = append(v.Versions, nv)
				current = &v.Versions[len(v.Versions)-1]
			case TypeHashTable:
				htp, err := DecodeHashTablePayload(seg.Payload, v.nextFragID)
				if err != nil {
					return nil, fmt.Errorf("journal: h block %d: %w", num, err)
				}
				for i, e := range htp.Entries {
					v.Fragments[v.nextFragID+uint64(i)] = FragmentLocation{SHA1: e.SHA1, USize: e.USize}
				}
				v.nextFragID += uint64(len(htp.Entries))
			case TypeIndex:
				ip, err := DecodeIndexPayload(seg.Payload)
				if err != nil {
					return nil, fmt.Errorf("journal: i block %d: %w", num, err)
				}
				for _, r := range ip.Records {
					if r.IsDelete() {
						delete(v.Files, r.Name)
						continue
					}
					v.Files[r.Name] = DTV{Name: r.Name, Date: r.Date, Attr: r.Attr, FragIDs: r.FragIDs}
				}
			case TypeData:
				// Carries raw fragment bytes only; no index state to apply.
			}
		}
	}
	return v, nil
}

// ReconstructAll is a convenience wrapper for an unbounded walk over r.
func ReconstructAll(r io.Reader) (*View, error) {
	return Reconstruct(block.NewScanner(r), Until{})
}
