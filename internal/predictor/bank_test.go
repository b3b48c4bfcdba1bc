// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package predictor

import "testing"

func TestSelftest(t *testing.T) {
	if err := Selftest(); err != nil {
		t.Fatalf("squash/stretch self-test: %v", err)
	}
}

func TestBankValidatesBackReferences(t *testing.T) {
	_, err := New([]Params{
		{Kind: KConst, C: 128},
		{Kind: KMix2, J: 0, K: 1}, // K==1 references itself, illegal
	})
	if err == nil {
		t.Fatalf("expected an error for a component referencing itself or later")
	}
}

func TestBankCMLearnsBiasedContext(t *testing.T) {
	bk, err := New([]Params{
		{Kind: KCM, S: 8, Limit: 255},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Same context, same bit repeated: the prediction should move toward
	// high confidence that the next bit is 1.
	h := []uint32{7}
	var last int32
	for i := 0; i < 200; i++ {
		bk.SetContext(h, 0)
		last = bk.Predict()
		bk.Update(1)
	}
	if last < 20000 {
		t.Fatalf("expected CM to converge toward p(bit=1)~1, got %d/65520", last)
	}
}

func TestBankMix2Combines(t *testing.T) {
	bk, err := New([]Params{
		{Kind: KConst, C: 255},
		{Kind: KConst, C: 0},
		{Kind: KMix2, J: 0, K: 1, S: 0, Rate: 7, Mask: 0},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bk.SetContext([]uint32{0, 0, 0}, 0)
	p := bk.Predict()
	if p <= 0 || p >= 65520 {
		t.Fatalf("expected mix of extreme opposite constants to land away from the rails, got %d", p)
	}
}
