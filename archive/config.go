// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package archive implements the archiver's top-level operations
// (Add, Extract, List, Test, Purge) over the block, journal, frag, sched,
// and crypt packages. It owns no globals: every operation takes an
// explicit Config.
package archive

import (
	"runtime"

	"github.com/archivelabs/zpaqgo/internal/journal"
)

// Config carries every cross-cutting setting for an archive operation,
// rather than relying on package-level state, per the "pass these as an
// explicit configuration record" guidance for global mutable state.
type Config struct {
	// Verbose gates trace logging, as decompressorOpts.verbose does for
	// the block/journal layers.
	Verbose bool

	// Concurrency is the number of compressor (Add) or block (Extract)
	// workers; 0 means runtime.GOMAXPROCS(-1).
	Concurrency int

	// RingSize bounds the compress/write scheduler's job ring; 0 means
	// 2x Concurrency.
	RingSize int

	// FragmentLog is the chunker's F parameter, 0..19 (§ 4.6).
	FragmentLog int

	// BlockSizeLog is the data block target size exponent b, giving a
	// target of (1<<(20+b))-4096 bytes per data block (§ 4.6).
	BlockSizeLog int

	// WithTag controls whether blocks are preceded by the 13-byte
	// locator tag (§ 4.5).
	WithTag bool

	// Method selects the compression tier per fragment data block: "1"
	// bypasses the predictor bank for a neutral/fast encoding; every other
	// value, "2".."5" included, uses the same order-1 context model through
	// the arithmetic coder. Empty defaults to "2".
	Method string

	// Password enables whole-archive AES-256-CTR encryption (§ 6.2) when
	// non-empty.
	Password string

	// Until bounds Extract/List/Test to a version or date, per § 4.7's
	// "-until" reader option.
	Until journal.Until

	// Progress, if non-nil, receives progress reports. It is consumed
	// only at the CLI layer; library code never blocks indefinitely
	// trying to send to it.
	Progress chan<- Progress

	// StartOffset is how many bytes already precede the stream Add is
	// about to write to (0 for a brand new archive, or an existing
	// archive's current size when appending a version to it).
	StartOffset int64
}

// Progress reports one completed unit of work during Add, Extract or
// Test.
type Progress struct {
	Op          string // "add", "extract" or "test"
	Filename    string
	InputBytes  int
	OutputBytes int
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return runtime.GOMAXPROCS(-1)
}

func (c Config) ringSize() int {
	if c.RingSize > 0 {
		return c.RingSize
	}
	return 2 * c.concurrency()
}

func (c Config) fragmentLog() int {
	if c.FragmentLog < 0 || c.FragmentLog > 19 {
		return 6 // matches libzpaq's default method "1" fragment size
	}
	return c.FragmentLog
}

func (c Config) method() string {
	if c.Method == "" {
		return "2"
	}
	return c.Method
}

func (c Config) blockSizeBytes() int {
	b := c.BlockSizeLog
	if b < 0 {
		b = 0
	}
	return (1 << uint(20+b)) - 4096
}
