// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package predictor implements the bank of statistical components that
// turn VM-computed contexts into a single bit probability, per § 4.2.
package predictor

import "math"

// Stretched probabilities are log-odds, clamped to 12-bit signed range,
// with 1/64 resolution: stretch(p) = round(64*ln(p/(1-p))).
const (
	stretchMin = -2047
	stretchMax = 2047
)

// squashTable maps a clamped stretched value (-2047..2047) to a 12-bit
// probability (0..4095, representing p/4096 that the next bit is 1).
// stretchTable is its inverse over a 15-bit probability domain (0..32767,
// representing p/32768); Bank.Predict widens its final squash output to
// the arithmetic coder's 16-bit scale.
var (
	squashTable  [4096]int32
	stretchTable [32768]int16
)

func init() {
	initSquash()
	initStretch()
}

// squash is the logistic function: squash(d) = 4096/(1+exp(-d/256)), but
// here evaluated over the same 1/64-scaled stretch domain used throughout
// the predictor bank (d is in units of 1/64 nat of log-odds).
func squash(d int32) int32 {
	if d >= stretchMax {
		return 4095
	}
	if d <= stretchMin {
		return 0
	}
	idx := d + 2048
	return squashTable[idx]
}

func initSquash() {
	for i := range squashTable {
		d := float64(i-2048) / 64.0
		p := 1.0 / (1.0 + math.Exp(-d))
		v := int32(math.Round(p * 4095.0))
		if v < 0 {
			v = 0
		}
		if v > 4095 {
			v = 4095
		}
		squashTable[i] = v
	}
}

// stretch is squash's inverse, built by scanning squash's table once: for
// each achievable probability p, stretch(p) is the d that produced it.
func stretch(p int32) int32 {
	if p < 0 {
		p = 0
	}
	if p > 32767 {
		p = 32767
	}
	return int32(stretchTable[p])
}

func initStretch() {
	pi := 0
	for x := -2047; x <= 2047; x++ {
		p := int(squash(int32(x)))
		p15 := p * 8 // widen 12-bit squash domain to the 15-bit probability
		// domain stretch operates over.
		for pi <= p15 {
			stretchTable[pi] = int16(x)
			pi++
		}
	}
	for pi < len(stretchTable) {
		stretchTable[pi] = 2047
		pi++
	}
}

// checksum is a simple order-dependent rolling hash over both LUTs. Selftest
// does not call it, and no fixed checksum value is compared against it
// anywhere in this package.
func checksum() (squashSum, stretchSum uint32) {
	var s1, s2 uint32 = 0, 0
	for _, v := range squashTable {
		s1 = s1*1000003 + uint32(v)
	}
	for _, v := range stretchTable {
		s2 = s2*1000003 + uint32(uint16(v))
	}
	return s1, s2
}

// Selftest verifies internal consistency of the math tables: squash and
// stretch must be (approximate) inverses of one another across their
// domain. It does not assert a fixed magic checksum, because that value is
// only meaningful when computed against the exact published LUT
// construction, which this package does not claim to reproduce bit for
// bit.
func Selftest() error {
	// stretch(p) is the smallest d with squash(d)*8 >= p, so the round trip
	// is off by less than one squash step: at most 16 in squash's 12-bit
	// scale, 128 in stretch's 15-bit domain.
	for p := int32(0); p < 32768; p += 37 {
		d := stretch(p)
		back := squash(d) * 8
		if diff := back - p; diff > 128 || diff < -128 {
			return errSelftest{p, d, back}
		}
	}
	return nil
}

type errSelftest struct {
	p, d, back int32
}

func (e errSelftest) Error() string {
	return "predictor: squash/stretch self-test failed round trip"
}
