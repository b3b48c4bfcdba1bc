// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package coder implements the binary arithmetic coder described in § 4.3:
// a 32-bit range coder driven by a single predicted probability per bit.
package coder

import (
	"fmt"
	"io"
)

// Encoder packs bits into bytes via the range coder and flushes complete
// bytes to an underlying writer as soon as their leading bytes settle.
type Encoder struct {
	w          io.ByteWriter
	low, high  uint32
}

// NewEncoder starts a fresh arithmetic coding stream over w.
func NewEncoder(w io.ByteWriter) *Encoder {
	return &Encoder{w: w, low: 1, high: 0xFFFFFFFF}
}

// EncodeBit codes one bit given p, the 16-bit-ish probability (as returned
// by predictor.Bank.Predict) that the bit is 1.
func (e *Encoder) EncodeBit(bit int, p int32) error {
	mid := e.low + uint32((uint64(e.high-e.low)>>16)*uint64(p)) + uint32((uint64(e.high-e.low)&0xFFFF)*uint64(p)>>16)
	if mid < e.low {
		mid = e.low
	}
	if mid >= e.high {
		mid = e.high - 1
	}
	if bit != 0 {
		e.high = mid
	} else {
		e.low = mid + 1
	}
	for (e.low^e.high)&0xFF000000 == 0 {
		if err := e.w.WriteByte(byte(e.high >> 24)); err != nil {
			return err
		}
		e.low <<= 8
		e.high = e.high<<8 | 0xFF
	}
	return nil
}

// Flush emits the trailing carry byte and the bytes still pinned by the
// open interval, leaving the stream ready for End or another segment.
func (e *Encoder) Flush() error {
	// low+=(low==0) avoids emitting a run of four zero bytes that could be
	// mistaken for a block/locator signature during scanning.
	if e.low == 0 {
		e.low++
	}
	for i := 0; i < 4; i++ {
		if err := e.w.WriteByte(byte(e.high >> 24)); err != nil {
			return err
		}
		e.high <<= 8
	}
	e.low, e.high = 1, 0xFFFFFFFF
	return nil
}

// Decoder is the Encoder's inverse: it tracks the same [low, high] window
// and refills curr from the input byte stream.
type Decoder struct {
	r          io.ByteReader
	low, high  uint32
	curr       uint32
}

// NewDecoder starts reading an arithmetic coding stream from r. It primes
// curr with the first 4 bytes, as emitted by Flush.
func NewDecoder(r io.ByteReader) (*Decoder, error) {
	d := &Decoder{r: r, low: 1, high: 0xFFFFFFFF}
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("coder: priming decoder: %w", err)
		}
		d.curr = d.curr<<8 | uint32(b)
	}
	return d, nil
}

// ErrOutOfRange is returned when curr leaves [low, high]; per § 4.3 this
// means the archive is corrupt at the current byte offset.
var ErrOutOfRange = fmt.Errorf("coder: decoded value out of range, stream corrupt")

// DecodeBit decodes one bit given the predicted probability p.
func (d *Decoder) DecodeBit(p int32) (int, error) {
	mid := d.low + uint32((uint64(d.high-d.low)>>16)*uint64(p)) + uint32((uint64(d.high-d.low)&0xFFFF)*uint64(p)>>16)
	if mid < d.low {
		mid = d.low
	}
	if mid >= d.high {
		mid = d.high - 1
	}
	var bit int
	if d.curr <= mid {
		bit = 1
		d.high = mid
	} else {
		bit = 0
		d.low = mid + 1
	}
	if d.curr < d.low || d.curr > d.high {
		return 0, ErrOutOfRange
	}
	for (d.low^d.high)&0xFF000000 == 0 {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("coder: refilling decoder: %w", err)
		}
		d.low <<= 8
		d.high = d.high<<8 | 0xFF
		d.curr = d.curr<<8 | uint32(b)
		if d.curr < d.low || d.curr > d.high {
			return 0, ErrOutOfRange
		}
	}
	return bit, nil
}

// EncodeByte codes the 8 bits of b MSB-first using pf to obtain each bit's
// predicted probability (and to learn from the actual bit afterwards). It
// is preceded by a single "byte follows" marker bit, coded as 0 at a fixed
// p=0, so that the common case (another byte follows) costs close to
// nothing; end-of-segment instead codes a 1 at the same fixed p (see
// EncodeEOS), which is why that bit is comparatively expensive but rare.
func (e *Encoder) EncodeByte(b byte, pf func(bitIndex int) int32, upd func(bitIndex, bit int)) error {
	if err := e.EncodeBit(0, 0); err != nil {
		return err
	}
	if upd != nil {
		upd(-1, 0)
	}
	for i := 7; i >= 0; i-- {
		bit := int((b >> uint(i)) & 1)
		p := pf(i)
		if err := e.EncodeBit(bit, p); err != nil {
			return err
		}
		if upd != nil {
			upd(i, bit)
		}
	}
	return nil
}

// EncodeEOS signals end-of-segment: a single 1 bit at p=0, after which the
// caller calls Flush.
func (e *Encoder) EncodeEOS() error {
	return e.EncodeBit(1, 0)
}

// DecodeByte mirrors EncodeByte: it first decodes the byte/EOS marker bit
// and reports eos=true without consuming further bits if the segment has
// ended, otherwise it decodes 8 bits MSB-first into b.
func (d *Decoder) DecodeByte(pf func(bitIndex int) int32, upd func(bitIndex, bit int)) (b byte, eos bool, err error) {
	marker, err := d.DecodeBit(0)
	if err != nil {
		return 0, false, err
	}
	if upd != nil {
		upd(-1, marker)
	}
	if marker == 1 {
		return 0, true, nil
	}
	for i := 7; i >= 0; i-- {
		p := pf(i)
		bit, err := d.DecodeBit(p)
		if err != nil {
			return 0, false, err
		}
		if upd != nil {
			upd(i, bit)
		}
		b = b<<1 | byte(bit)
	}
	return b, false, nil
}
