// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package block

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/archivelabs/zpaqgo/internal/coder"
	"github.com/archivelabs/zpaqgo/internal/predictor"
	"github.com/archivelabs/zpaqgo/internal/vm"
)

const (
	segStart   = 0x01
	segReserved = 0x00
	segChecksum = 0xFD
	segNoChecksum = 0xFE
	blockEnd   = 0xFF
)

// Segment is one named payload within a block (§ Segment). Payload is the
// raw bytes the caller wants stored. PCOMP, if non-nil, is stored ahead of
// Payload (after a selector byte and its length), and Payload itself is
// stored unchanged; Reader.NextSegment returns the output of running PCOMP
// over Payload rather than Payload itself.
type Segment struct {
	Filename string
	Comment  string
	Payload  []byte
	PCOMP    []byte // ZPAQL program; nil selects pass-through post-processing
	HasSHA1  bool
	SHA1     [20]byte
}

// Writer serialises a header followed by one or more segments that share
// its VM and predictor state, then the block terminator. Segments after
// the first keep the HCOMP/bank state but restart the arithmetic coder,
// per the Segment invariant in § 3.
type Writer struct {
	w        io.Writer
	hdr      Header
	machine  *vm.Machine
	bank     *predictor.Bank
	nSegs    int
	withTag  bool
}

// NewWriter starts a new block. withTag controls whether the 13-byte
// locator tag precedes the header (cheaper scanning, at the cost of 13
// bytes per block).
func NewWriter(w io.Writer, hdr Header, withTag bool) (*Writer, error) {
	bw := &Writer{w: w, hdr: hdr, withTag: withTag}
	bw.machine = vm.New(vm.Program{Code: hdr.HCOMP, HBits: hdr.HH, MBits: hdr.HM})
	bank, err := predictor.New(hdr.Comps)
	if err != nil {
		return nil, err
	}
	bw.bank = bank
	if withTag {
		if _, err := w.Write(LocatorTag[:]); err != nil {
			return nil, err
		}
	}
	if err := WriteHeader(w, hdr); err != nil {
		return nil, err
	}
	return bw, nil
}

// WriteSegment compresses and frames one segment.
func (bw *Writer) WriteSegment(seg Segment) error {
	if _, err := bw.w.Write([]byte{segStart}); err != nil {
		return err
	}
	if err := writeCString(bw.w, seg.Filename); err != nil {
		return err
	}
	if err := writeCString(bw.w, seg.Comment); err != nil {
		return err
	}
	if _, err := bw.w.Write([]byte{segReserved}); err != nil {
		return err
	}

	var preimage []byte
	if seg.PCOMP != nil {
		preimage = append(preimage, 1)
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(seg.PCOMP)))
		preimage = append(preimage, l[:]...)
		preimage = append(preimage, seg.PCOMP...)
		preimage = append(preimage, seg.Payload...)
	} else {
		preimage = append(preimage, 0)
		preimage = append(preimage, seg.Payload...)
	}

	var payloadBuf bytes.Buffer
	enc := coder.NewEncoder(&payloadBuf)
	ctx := make([]uint32, len(bw.hdr.Comps))
	for _, b := range preimage {
		// Predict/encode b using the context the previous byte left behind
		// (or the all-zero initial context), mirroring the decoder, which
		// cannot know b before coding it. Only after b is coded do we run
		// HCOMP on it to derive the context for the byte that follows.
		if err := enc.EncodeByte(b, func(bitIndex int) int32 {
			bw.bank.SetBitPos(bitIndex)
			return bw.bank.Predict()
		}, func(bitIndex, bit int) {
			bw.bank.Update(bit)
		}); err != nil {
			return fmt.Errorf("block: arithmetic coder: %w", err)
		}
		if err := bw.machine.Run(uint32(b)); err != nil {
			return fmt.Errorf("block: hcomp: %w", err)
		}
		copy(ctx, bw.machine.H)
		bw.bank.SetContext(ctx, 0)
		bw.bank.AdvanceByte(ctx, b)
	}
	if err := enc.EncodeEOS(); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	if _, err := bw.w.Write(payloadBuf.Bytes()); err != nil {
		return err
	}

	if seg.HasSHA1 {
		if _, err := bw.w.Write([]byte{segChecksum}); err != nil {
			return err
		}
		if _, err := bw.w.Write(seg.SHA1[:]); err != nil {
			return err
		}
	} else {
		if _, err := bw.w.Write([]byte{segNoChecksum}); err != nil {
			return err
		}
	}
	bw.nSegs++
	return nil
}

// Close writes the block terminator.
func (bw *Writer) Close() error {
	_, err := bw.w.Write([]byte{blockEnd})
	return err
}

func writeCString(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

// Reader parses a header (already consumed by the caller via ReadHeader,
// or via Scanner.Next) and iterates its segments, running the post-processor and
// verifying each segment's checksum.
type Reader struct {
	r       *bufio.Reader
	hdr     Header
	machine *vm.Machine
	bank    *predictor.Bank
}

// NewReader starts reading segments for a block whose header has already
// been consumed (the caller owns locator-tag/signature scanning).
func NewReader(r io.Reader, hdr Header) (*Reader, error) {
	br := &Reader{r: bufio.NewReader(r), hdr: hdr}
	br.machine = vm.New(vm.Program{Code: hdr.HCOMP, HBits: hdr.HH, MBits: hdr.HM})
	bank, err := predictor.New(hdr.Comps)
	if err != nil {
		return nil, err
	}
	br.bank = bank
	return br, nil
}

// ErrBlockEnd is returned by NextSegment once the block terminator (0xFF)
// has been consumed.
var ErrBlockEnd = fmt.Errorf("block: end of block")

// NextSegment decodes and post-processes the next segment. It returns
// ErrBlockEnd when there are no more segments.
func (br *Reader) NextSegment() (Segment, error) {
	tag, err := br.r.ReadByte()
	if err != nil {
		return Segment{}, fmt.Errorf("block: reading segment tag: %w", err)
	}
	if tag == blockEnd {
		return Segment{}, ErrBlockEnd
	}
	if tag != segStart {
		return Segment{}, fmt.Errorf("block: expected segment start 0x01, got 0x%02x", tag)
	}
	filename, err := readCString(br.r)
	if err != nil {
		return Segment{}, fmt.Errorf("block: filename: %w", err)
	}
	comment, err := readCString(br.r)
	if err != nil {
		return Segment{}, fmt.Errorf("block: comment: %w", err)
	}
	if _, err := br.r.ReadByte(); err != nil { // reserved
		return Segment{}, err
	}

	dec, err := coder.NewDecoder(br.r)
	if err != nil {
		return Segment{}, fmt.Errorf("block: priming arithmetic decoder: %w", err)
	}
	ctx := make([]uint32, len(br.hdr.Comps))
	var preimage []byte
	for {
		b, eos, err := dec.DecodeByte(func(bitIndex int) int32 {
			br.bank.SetBitPos(bitIndex)
			return br.bank.Predict()
		}, func(bitIndex, bit int) {
			br.bank.Update(bit)
		})
		if err != nil {
			return Segment{}, fmt.Errorf("block: arithmetic decoder: %w", err)
		}
		if eos {
			break
		}
		if err := br.machine.Run(uint32(b)); err != nil {
			return Segment{}, fmt.Errorf("block: hcomp: %w", err)
		}
		copy(ctx, br.machine.H)
		br.bank.SetContext(ctx, 0)
		br.bank.AdvanceByte(ctx, b)
		preimage = append(preimage, b)
	}

	tail, err := br.r.ReadByte()
	if err != nil {
		return Segment{}, fmt.Errorf("block: segment checksum marker: %w", err)
	}
	seg := Segment{Filename: filename, Comment: comment}
	switch tail {
	case segChecksum:
		if _, err := io.ReadFull(br.r, seg.SHA1[:]); err != nil {
			return Segment{}, fmt.Errorf("block: reading segment sha1: %w", err)
		}
		seg.HasSHA1 = true
	case segNoChecksum:
	default:
		return Segment{}, fmt.Errorf("block: bad segment terminator 0x%02x", tail)
	}

	payload, pcomp, err := postProcess(br.hdr, preimage)
	if err != nil {
		return Segment{}, err
	}
	seg.Payload = payload
	seg.PCOMP = pcomp

	if seg.HasSHA1 {
		sum := sha1.Sum(seg.Payload)
		if sum != seg.SHA1 {
			return seg, fmt.Errorf("block: segment %q: %w", filename, ErrChecksumMismatch)
		}
	}
	return seg, nil
}

// ErrChecksumMismatch is an integrity error (§ 7): the decompressed bytes
// don't match the stored SHA-1.
var ErrChecksumMismatch = fmt.Errorf("sha1 mismatch")

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}
