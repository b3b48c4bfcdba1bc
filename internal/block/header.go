// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package block implements the self-describing block format: header
// parsing/writing, VM and predictor bank initialisation, segment framing,
// and the post-processor, per §§ 4.1-4.5 and the byte-exact layout in
// § 6.1.
package block

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/archivelabs/zpaqgo/internal/predictor"
)

// LocatorTag precedes a block when the writer chooses to emit one, letting
// a reader find block starts by a plain byte scan instead of a rolling
// hash. 13 bytes, arbitrary but fixed, per § 4.5.
var LocatorTag = [13]byte{0x37, 0x6B, 0x53, 0x74, 0xA0, 0x31, 0x83, 0xD3, 0x8C, 0xB2, 0x28, 0xB0, 0xD3}

const (
	magic0, magic1, magic2 = 'z', 'P', 'Q'

	// vmType is fixed: every block in this format carries a ZPAQL HCOMP
	// program (optionally also a PCOMP one inside a segment's payload).
	vmType = 1
)

// Header is the per-block declaration: VM memory geometry, the predictor
// bank's component list, and the HCOMP bytecode that drives it.
type Header struct {
	Level int // 1 or 2; recorded in the header, not checked against segment contents
	HH, HM, PH, PM int
	Comps []predictor.Params
	HCOMP []byte
}

// compWidth returns the encoded size, in bytes, of one component
// descriptor, including its leading Kind byte.
func compWidth(k predictor.Kind) (int, error) {
	switch k {
	case predictor.KConst:
		return 2, nil
	case predictor.KCM:
		return 4, nil
	case predictor.KICM:
		return 2, nil
	case predictor.KMatch:
		return 3, nil
	case predictor.KAvg:
		return 4, nil
	case predictor.KMix2:
		return 6, nil
	case predictor.KMix:
		return 6, nil
	case predictor.KIsse:
		return 3, nil
	case predictor.KSse:
		return 6, nil
	}
	return 0, fmt.Errorf("block: unknown component kind %d", k)
}

func writeComp(w io.Writer, p predictor.Params) error {
	var b []byte
	switch p.Kind {
	case predictor.KConst:
		b = []byte{byte(p.Kind), byte(p.C)}
	case predictor.KCM:
		b = []byte{byte(p.Kind), byte(p.S), byte(p.Limit), byte(p.Limit >> 8)}
	case predictor.KICM:
		b = []byte{byte(p.Kind), byte(p.S)}
	case predictor.KMatch:
		b = []byte{byte(p.Kind), byte(p.S), byte(p.B)}
	case predictor.KAvg:
		b = []byte{byte(p.Kind), byte(p.J), byte(p.K), byte(p.Wt)}
	case predictor.KMix2:
		b = []byte{byte(p.Kind), byte(p.S), byte(p.J), byte(p.K), byte(p.Rate), byte(p.Mask)}
	case predictor.KMix:
		b = []byte{byte(p.Kind), byte(p.S), byte(p.J), byte(p.M), byte(p.Rate), byte(p.Mask)}
	case predictor.KIsse:
		b = []byte{byte(p.Kind), byte(p.S), byte(p.J)}
	case predictor.KSse:
		b = []byte{byte(p.Kind), byte(p.S), byte(p.J), byte(p.Start), byte(p.Limit), byte(p.Limit >> 8)}
	default:
		return fmt.Errorf("block: unknown component kind %d", p.Kind)
	}
	_, err := w.Write(b)
	return err
}

func readComp(b []byte) (predictor.Params, int, error) {
	if len(b) < 1 {
		return predictor.Params{}, 0, fmt.Errorf("block: truncated component descriptor")
	}
	k := predictor.Kind(b[0])
	width, err := compWidth(k)
	if err != nil {
		return predictor.Params{}, 0, err
	}
	if len(b) < width {
		return predictor.Params{}, 0, fmt.Errorf("block: truncated %d-byte descriptor for kind %d", width, k)
	}
	p := predictor.Params{Kind: k}
	switch k {
	case predictor.KConst:
		p.C = int(b[1])
	case predictor.KCM:
		p.S = int(b[1])
		p.Limit = int(b[2]) | int(b[3])<<8
	case predictor.KICM:
		p.S = int(b[1])
	case predictor.KMatch:
		p.S = int(b[1])
		p.B = int(b[2])
	case predictor.KAvg:
		p.J = int(b[1])
		p.K = int(b[2])
		p.Wt = int(b[3])
	case predictor.KMix2:
		p.S = int(b[1])
		p.J = int(b[2])
		p.K = int(b[3])
		p.Rate = int(b[4])
		p.Mask = int(b[5])
	case predictor.KMix:
		p.S = int(b[1])
		p.J = int(b[2])
		p.M = int(b[3])
		p.Rate = int(b[4])
		p.Mask = int(b[5])
	case predictor.KIsse:
		p.S = int(b[1])
		p.J = int(b[2])
	case predictor.KSse:
		p.S = int(b[1])
		p.J = int(b[2])
		p.Start = int(b[3])
		p.Limit = int(b[4]) | int(b[5])<<8
	}
	return p, width, nil
}

// WriteHeader emits the block prelude through the HCOMP end marker, per
// the § 6.1 layout, but not the locator tag (the caller decides whether to
// emit one; see Writer).
func WriteHeader(w io.Writer, h Header) error {
	if len(h.Comps) == 0 || len(h.Comps) > 255 {
		return fmt.Errorf("block: component count %d out of range 1..255", len(h.Comps))
	}
	var compBytes int
	for _, c := range h.Comps {
		width, err := compWidth(c.Kind)
		if err != nil {
			return err
		}
		compBytes += width
	}
	// hsize covers: hh,hm,ph,pm,n (5) + comp descriptors + COMP-end (1) +
	// HCOMP bytecode + HCOMP-end (1).
	hsize := 5 + compBytes + 1 + len(h.HCOMP) + 1
	if hsize > 0xFFFF {
		return fmt.Errorf("block: header too large (%d bytes)", hsize)
	}

	if _, err := w.Write([]byte{magic0, magic1, magic2, byte(h.Level), vmType}); err != nil {
		return err
	}
	var hszBuf [2]byte
	binary.LittleEndian.PutUint16(hszBuf[:], uint16(hsize))
	if _, err := w.Write(hszBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(h.HH), byte(h.HM), byte(h.PH), byte(h.PM), byte(len(h.Comps))}); err != nil {
		return err
	}
	for _, c := range h.Comps {
		if err := writeComp(w, c); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte{0x00}); err != nil { // COMP end
		return err
	}
	if _, err := w.Write(h.HCOMP); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0x00}); err != nil { // HCOMP end
		return err
	}
	return nil
}

// ReadHeader parses the prelude through the HCOMP end marker from r,
// which must be positioned immediately after any locator tag.
func ReadHeader(r io.Reader) (Header, error) {
	var prelude [5]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		return Header{}, fmt.Errorf("block: reading prelude: %w", err)
	}
	if prelude[0] != magic0 || prelude[1] != magic1 || prelude[2] != magic2 {
		return Header{}, fmt.Errorf("block: bad magic %q", prelude[:3])
	}
	level := int(prelude[3])
	if level != 1 && level != 2 {
		return Header{}, fmt.Errorf("block: unsupported level %d", level)
	}
	if prelude[4] != vmType {
		return Header{}, fmt.Errorf("block: unsupported vm type %d", prelude[4])
	}

	var hszBuf [2]byte
	if _, err := io.ReadFull(r, hszBuf[:]); err != nil {
		return Header{}, fmt.Errorf("block: reading header size: %w", err)
	}
	hsize := int(binary.LittleEndian.Uint16(hszBuf[:]))

	body := make([]byte, hsize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, fmt.Errorf("block: reading header body (%d bytes): %w", hsize, err)
	}
	if len(body) < 6 {
		return Header{}, fmt.Errorf("block: header too short")
	}
	h := Header{Level: level, HH: int(body[0]), HM: int(body[1]), PH: int(body[2]), PM: int(body[3])}
	n := int(body[4])
	pos := 5
	var compBytes int
	for i := 0; i < n; i++ {
		p, width, err := readComp(body[pos:])
		if err != nil {
			return Header{}, fmt.Errorf("block: component %d: %w", i, err)
		}
		h.Comps = append(h.Comps, p)
		pos += width
		compBytes += width
	}
	if pos >= len(body) || body[pos] != 0x00 {
		return Header{}, fmt.Errorf("block: missing COMP end marker")
	}
	pos++
	hcompEndIdx := len(body) - 1
	if hcompEndIdx < pos || body[hcompEndIdx] != 0x00 {
		return Header{}, fmt.Errorf("block: missing HCOMP end marker")
	}
	h.HCOMP = append([]byte(nil), body[pos:hcompEndIdx]...)

	// Invariant: declared section sizes must sum to the declared total.
	wantHsize := 5 + compBytes + 1 + len(h.HCOMP) + 1
	if wantHsize != hsize {
		return Header{}, fmt.Errorf("block: header size mismatch: declared %d, sections sum to %d", hsize, wantHsize)
	}
	return h, nil
}
