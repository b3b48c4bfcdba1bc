// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package crypt implements the optional whole-archive encryption
// described in § 6.2: a 32-byte random salt followed by AES-256-CTR over
// the remainder of the file, keyed by scrypt-stretching the password
// against that salt. This is a transparent byte-stream filter; it knows
// nothing about blocks, segments, or the journal layout above it.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 32
	keySize  = 32 // AES-256

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// NewSalt returns a fresh random salt, with byte 0's high bit set so the
// unencrypted archive can never be confused for a salt-prefixed one (an
// archive's first byte is 'z' or '7', neither of which has the high bit
// set).
func NewSalt() ([saltSize]byte, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("crypt: generating salt: %w", err)
	}
	salt[0] |= 0x80
	return salt, nil
}

// deriveKey stretches password against salt with scrypt into an AES-256 key.
func deriveKey(password string, salt [saltSize]byte) ([keySize]byte, error) {
	var key [keySize]byte
	k, err := scrypt.Key([]byte(password), salt[:], scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return key, fmt.Errorf("crypt: deriving key: %w", err)
	}
	copy(key[:], k)
	return key, nil
}

// StreamFor returns a cipher.Stream keyed from password and salt, ready to
// XOR the archive bytes that follow the salt, in either direction (CTR
// mode is its own inverse).
func StreamFor(password string, salt [saltSize]byte) (cipher.Stream, error) {
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: building AES cipher: %w", err)
	}
	var iv [aes.BlockSize]byte // CTR starting at 0; the salt itself supplies uniqueness
	return cipher.NewCTR(block, iv[:]), nil
}

// Reader wraps an underlying archive stream, consuming the leading salt on
// first use and XOR-decrypting everything after it.
type Reader struct {
	r      io.Reader
	stream cipher.Stream
	pass   string
	primed bool
}

// NewReader returns a Reader that reads the 32-byte salt from r on first
// Read, then decrypts the remainder with password.
func NewReader(r io.Reader, password string) *Reader {
	return &Reader{r: r, pass: password}
}

func (dr *Reader) prime() error {
	var salt [saltSize]byte
	if _, err := io.ReadFull(dr.r, salt[:]); err != nil {
		return fmt.Errorf("crypt: reading salt: %w", err)
	}
	stream, err := StreamFor(dr.pass, salt)
	if err != nil {
		return err
	}
	dr.stream = stream
	dr.primed = true
	return nil
}

func (dr *Reader) Read(p []byte) (int, error) {
	if !dr.primed {
		if err := dr.prime(); err != nil {
			return 0, err
		}
	}
	n, err := dr.r.Read(p)
	if n > 0 {
		dr.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// Writer wraps an underlying archive output stream, writing a fresh random
// salt on first use and XOR-encrypting everything written after it.
type Writer struct {
	w      io.Writer
	stream cipher.Stream
	pass   string
	primed bool
}

// NewWriter returns a Writer that writes a fresh salt to w on first Write,
// then encrypts everything after it with password.
func NewWriter(w io.Writer, password string) *Writer {
	return &Writer{w: w, pass: password}
}

func (ew *Writer) prime() error {
	salt, err := NewSalt()
	if err != nil {
		return err
	}
	if _, err := ew.w.Write(salt[:]); err != nil {
		return fmt.Errorf("crypt: writing salt: %w", err)
	}
	stream, err := StreamFor(ew.pass, salt)
	if err != nil {
		return err
	}
	ew.stream = stream
	ew.primed = true
	return nil
}

func (ew *Writer) Write(p []byte) (int, error) {
	if !ew.primed {
		if err := ew.prime(); err != nil {
			return 0, err
		}
	}
	buf := make([]byte, len(p))
	ew.stream.XORKeyStream(buf, p)
	return ew.w.Write(buf)
}
