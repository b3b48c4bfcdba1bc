// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/archivelabs/zpaqgo/internal/block"
	"github.com/archivelabs/zpaqgo/internal/predictor"
	"github.com/archivelabs/zpaqgo/internal/vm"
)

// methodHeader returns the data block header for a compression tier
// string ("1".."5"), per the method-selects-a-predictor design in
// SPEC_FULL.md's domain stack section. Method "1" is a fast/neutral tier:
// its CONST component never adapts, because the real compression for that
// tier happens in preprocessFragmentPayload before the arithmetic coder
// ever sees the bytes. Every other method value runs an order-1 context
// model through the arithmetic coder and is what § 8's invariants are
// checked against; unrecognized values fall back to this tier rather than
// erroring, since the method string is advisory, not part of the wire
// format (the header that is actually written always describes itself).
func methodHeader(method string) block.Header {
	if method == "1" {
		return block.Header{
			Level: 1,
			HH:    0, HM: 0, PH: 0, PM: 0,
			Comps: []predictor.Params{{Kind: predictor.KConst, C: 128}},
			HCOMP: []byte{1}, // OpHalt: no context generation needed
		}
	}
	prog, err := vm.Assemble("*D=A\nHALT", 0, 16)
	if err != nil {
		panic(fmt.Sprintf("archive: assembling order-1 hcomp: %v", err))
	}
	return block.Header{
		Level: 1,
		HH:    0, HM: 0, PH: 0, PM: 16,
		Comps: []predictor.Params{{Kind: predictor.KCM, S: 0, Limit: 255}},
		HCOMP: prog.Code,
	}
}

// preprocessFragmentPayload applies method "1"'s zstd pass ahead of
// block-framing, giving that tier its speed: the arithmetic coder then
// only has to carry already-compressed, near-incompressible bytes at
// close to their raw bit cost. Every other method leaves payload
// untouched, relying entirely on the predictor bank for compression.
func preprocessFragmentPayload(method string, payload []byte) ([]byte, error) {
	if method != "1" {
		return payload, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: building zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}

// isZstdTier reports whether hdr is the method "1" header. The block
// format is self-describing, so a reader never needs to be told the
// method out of band: a lone neutral CONST component is method "1"'s
// unmistakable signature, since every other tier drives an adaptive
// component off a non-trivial HCOMP program.
func isZstdTier(hdr block.Header) bool {
	return len(hdr.Comps) == 1 && hdr.Comps[0].Kind == predictor.KConst
}

// postprocessFragmentPayload reverses preprocessFragmentPayload, inferring
// whether payload needs a zstd pass from the block header it was read
// under.
func postprocessFragmentPayload(hdr block.Header, payload []byte) ([]byte, error) {
	if !isZstdTier(hdr) {
		return payload, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: building zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: zstd decode: %w", err)
	}
	return out, nil
}
