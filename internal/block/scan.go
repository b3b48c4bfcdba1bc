// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package block

import (
	"bufio"
	"fmt"
	"io"
)

// preludeHead is the fixed byte sequence 'z', 'P', 'Q' that begins a valid
// block header; one of the supported levels follows it. The locator tag,
// when present, precedes it by 13 bytes; otherwise a reader must scan for
// this sequence directly. The scan is a plain byte-by-byte compare; no
// rolling hash is used to find block starts.
var preludeHead = [3]byte{magic0, magic1, magic2}

// Scanner locates block boundaries in an arbitrary byte stream by looking
// for the locator tag or, failing that, the bare prelude, per § 4.5. A
// block with no valid signature before EOF is skipped silently.
type Scanner struct {
	r *bufio.Reader
}

// NewScanner wraps r for block-boundary scanning.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// ErrNoMoreBlocks is returned once the stream is exhausted without finding
// another valid signature.
var ErrNoMoreBlocks = fmt.Errorf("block: no more blocks")

// Next advances past any leading garbage, locates the next block's
// prelude, and returns a Reader positioned to decode that block's
// segments. A malformed block found after a valid signature is a hard
// error, per § 4.5; a stream that ends before any signature is found
// returns ErrNoMoreBlocks.
func (s *Scanner) Next() (*Reader, Header, error) {
	if err := s.seek(); err != nil {
		return nil, Header{}, err
	}
	hdr, err := ReadHeader(s.r)
	if err != nil {
		return nil, Header{}, fmt.Errorf("block: malformed block after signature: %w", err)
	}
	br, err := NewReader(s.r, hdr)
	if err != nil {
		return nil, Header{}, err
	}
	return br, hdr, nil
}

// seek discards bytes from s.r until the next byte it would return is the
// 'z' of a block prelude, leaving that prelude entirely unconsumed for
// ReadHeader. It tries a locator tag match first (cheaper to rule out a
// false positive, since it's 13 bytes wide) and falls back to the bare
// prelude.
func (s *Scanner) seek() error {
	for {
		if tag, err := s.r.Peek(13); err == nil && [13]byte(tag) == LocatorTag {
			if _, err := s.r.Discard(13); err != nil {
				return ErrNoMoreBlocks
			}
			return s.seekBarePrelude()
		}
		if s.atPrelude() {
			return nil
		}
		if _, err := s.r.Discard(1); err != nil {
			return ErrNoMoreBlocks
		}
	}
}

// seekBarePrelude is seek's continuation once a locator tag has been
// consumed: the bare prelude must immediately follow it, but a corrupt or
// truncated tag region still degrades gracefully to a plain scan.
func (s *Scanner) seekBarePrelude() error {
	for {
		if s.atPrelude() {
			return nil
		}
		if _, err := s.r.Discard(1); err != nil {
			return ErrNoMoreBlocks
		}
	}
}

// atPrelude reports whether the next bytes in s.r are 'z','P','Q' followed
// by a supported level, without consuming them.
func (s *Scanner) atPrelude() bool {
	b, err := s.r.Peek(4)
	if err != nil || len(b) < 4 {
		return false
	}
	return b[0] == magic0 && b[1] == magic1 && b[2] == magic2 && (b[3] == 1 || b[3] == 2)
}

// MultiPartReader chains several underlying readers (e.g. one per archive
// part file) into a single logical byte stream for Scanner, so that a
// journal spanning multiple parts can be read as if it were one file.
type MultiPartReader struct {
	parts []io.Reader
	idx   int
}

// NewMultiPartReader returns a reader over the concatenation of parts, in
// order.
func NewMultiPartReader(parts ...io.Reader) *MultiPartReader {
	return &MultiPartReader{parts: parts}
}

func (m *MultiPartReader) Read(p []byte) (int, error) {
	for m.idx < len(m.parts) {
		n, err := m.parts[m.idx].Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			m.idx++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, io.EOF
}
