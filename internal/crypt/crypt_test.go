// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package crypt

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("the archive format is unchanged after decryption"), 100)

	var encrypted bytes.Buffer
	ew := NewWriter(&encrypted, "correct horse battery staple")
	if _, err := ew.Write(plain); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dr := NewReader(bytes.NewReader(encrypted.Bytes()), "correct horse battery staple")
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := dr.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !bytes.Equal(out.Bytes(), plain) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", out.Len(), len(plain))
	}
}

func TestWrongPasswordProducesGarbage(t *testing.T) {
	plain := []byte("some archive bytes that must not leak under the wrong password")

	var encrypted bytes.Buffer
	ew := NewWriter(&encrypted, "right password")
	ew.Write(plain)

	dr := NewReader(bytes.NewReader(encrypted.Bytes()), "wrong password")
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := dr.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if bytes.Equal(out.Bytes(), plain) {
		t.Fatalf("wrong password decrypted to the original plaintext")
	}
}

func TestSaltHighBitSet(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	if salt[0]&0x80 == 0 {
		t.Fatalf("expected high bit of salt[0] to be set, got 0x%02x", salt[0])
	}
}

func TestFirstByteNeverCollidesWithSalt(t *testing.T) {
	// An unencrypted archive's first byte is always 'z' (0x7A) or '7' (0x37),
	// neither of which has the high bit set, so a reader can distinguish a
	// salt-prefixed archive from a plain one by that bit alone.
	if byte('z')&0x80 != 0 || byte('7')&0x80 != 0 {
		t.Fatalf("archive prelude bytes unexpectedly have the high bit set")
	}
}
