// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package coder

import (
	"bytes"
	"testing"
)

// fixedModel predicts every bit is 0 with a mild bias, which is enough to
// exercise both the cheap and expensive coding paths without pulling in
// the predictor package (kept dependency-free on purpose).
type fixedModel struct{ p int32 }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	input := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox")

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	model := &fixedModel{p: 16000}
	for _, b := range input {
		if err := enc.EncodeByte(b, func(int) int32 { return model.p }, nil); err != nil {
			t.Fatalf("EncodeByte: %v", err)
		}
	}
	if err := enc.EncodeEOS(); err != nil {
		t.Fatalf("EncodeEOS: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dec, err := NewDecoder(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	var out []byte
	for {
		b, eos, err := dec.DecodeByte(func(int) int32 { return model.p }, nil)
		if err != nil {
			t.Fatalf("DecodeByte: %v", err)
		}
		if eos {
			break
		}
		out = append(out, b)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("round trip mismatch:\n got  %q\n want %q", out, input)
	}
}

func TestCorruptionDetected(t *testing.T) {
	input := []byte("a deterministic payload long enough to span several coded bytes")
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	model := &fixedModel{p: 20000}
	for _, b := range input {
		if err := enc.EncodeByte(b, func(int) int32 { return model.p }, nil); err != nil {
			t.Fatal(err)
		}
	}
	enc.EncodeEOS()
	enc.Flush()

	corrupt := append([]byte(nil), buf.Bytes()...)
	corrupt[len(corrupt)/2] ^= 0xFF

	dec, err := NewDecoder(bytes.NewReader(corrupt))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	var out []byte
	var gotErr error
	for {
		b, eos, err := dec.DecodeByte(func(int) int32 { return model.p }, nil)
		if err != nil {
			gotErr = err
			break
		}
		if eos {
			break
		}
		out = append(out, b)
	}
	if gotErr == nil && bytes.Equal(out, input) {
		t.Fatalf("expected corruption to be detected (either an error or a mismatch), got an exact match")
	}
}
