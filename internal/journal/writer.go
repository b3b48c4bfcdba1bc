// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package journal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/archivelabs/zpaqgo/internal/block"
	"github.com/archivelabs/zpaqgo/internal/predictor"
)

// transactionHeader is the fixed, non-adaptive header every c/h/i block
// in a journal uses (d blocks carry the header their writer chooses):
// level 1, a single CONST component at the neutral probability (no context
// generation, since HCOMP never touches H). Using the same header for
// every c/h/i block keeps the predictor state
// trivial to reproduce, which matters for the c block's in-place rewrite
// (see Writer.Finalize).
func transactionHeader() block.Header {
	return block.Header{
		Level: 1,
		HH:    0, HM: 0, PH: 0, PM: 0,
		Comps: []predictor.Params{{Kind: predictor.KConst, C: 128}},
		HCOMP: []byte{1}, // OpHalt: HCOMP never runs, every byte is context 0
	}
}

// Writer emits the c/d/h/i blocks that make up one version of a journal.
// One Writer corresponds to one in-progress transaction; callers create a
// fresh Writer per version.
type Writer struct {
	w        io.Writer
	wat      io.WriterAt // non-nil when the underlying stream supports in-place rewrite
	date     int64
	seq      uint64
	withTag  bool

	cBlockOffset int64
	cBlockWidth  int64
	cBlockNum    uint64
}

// NewWriter starts a new version dated date. If w also implements
// io.WriterAt, Finalize can rewrite the c block's end offset in place;
// otherwise Finalize returns an error, and the caller is responsible for a
// separate repair pass (consistent with § 4.7: "the only in-place write").
func NewWriter(w io.Writer, date int64, withTag bool) (*Writer, error) {
	jw := &Writer{w: w, date: date, withTag: withTag}
	if wat, ok := w.(io.WriterAt); ok {
		jw.wat = wat
	}
	return jw, nil
}

func (jw *Writer) nextSeq() uint64 {
	jw.seq++
	return jw.seq
}

// countingWriter tracks how many bytes have been written, so Writer can
// record the c block's offset and encoded width for Finalize.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteTransactionStart emits the version's c block with EndOffset 0
// (in progress), recording its position for Finalize.
func (jw *Writer) WriteTransactionStart(baseOffset int64) error {
	num := jw.nextSeq()
	cw := &countingWriter{w: jw.w}
	bw, err := block.NewWriter(cw, transactionHeader(), jw.withTag)
	if err != nil {
		return err
	}
	seg := block.Segment{
		Filename: FilenameFor(jw.date, TypeTransaction, num),
		Payload:  TransactionPayload{EndOffset: 0}.Encode(),
	}
	if err := bw.WriteSegment(seg); err != nil {
		return err
	}
	if err := bw.Close(); err != nil {
		return err
	}
	jw.cBlockOffset = baseOffset
	jw.cBlockWidth = cw.n
	jw.cBlockNum = num
	return nil
}

// WriteData emits one d block holding raw fragment bytes.
func (jw *Writer) WriteData(hdr block.Header, payload []byte) error {
	num := jw.nextSeq()
	bw, err := block.NewWriter(jw.w, hdr, jw.withTag)
	if err != nil {
		return err
	}
	seg := block.Segment{Filename: FilenameFor(jw.date, TypeData, num), Payload: payload}
	if err := bw.WriteSegment(seg); err != nil {
		return err
	}
	return bw.Close()
}

// ReserveDataFilename allocates the next d block's sequence number and
// returns its filename, without writing anything. Callers that encode a d
// block off the writer goroutine (§ 4.8's parallel compressor workers) use
// this to fix the filename before handing the payload to a worker, then
// write the finished bytes back with WriteRaw to keep this Writer the sole
// owner of archive output.
func (jw *Writer) ReserveDataFilename() string {
	return FilenameFor(jw.date, TypeData, jw.nextSeq())
}

// WriteRaw appends an already block-framed byte sequence verbatim. It
// exists so the d-block compression worked out by a compressor worker (see
// ReserveDataFilename) can still be appended through this Writer alone.
func (jw *Writer) WriteRaw(b []byte) error {
	_, err := jw.w.Write(b)
	return err
}

// WriteHashTable emits one h block.
func (jw *Writer) WriteHashTable(p HashTablePayload) error {
	num := jw.nextSeq()
	bw, err := block.NewWriter(jw.w, transactionHeader(), jw.withTag)
	if err != nil {
		return err
	}
	seg := block.Segment{Filename: FilenameFor(jw.date, TypeHashTable, num), Payload: p.Encode()}
	if err := bw.WriteSegment(seg); err != nil {
		return err
	}
	return bw.Close()
}

// WriteIndex emits one i block.
func (jw *Writer) WriteIndex(p IndexPayload) error {
	num := jw.nextSeq()
	bw, err := block.NewWriter(jw.w, transactionHeader(), jw.withTag)
	if err != nil {
		return err
	}
	seg := block.Segment{Filename: FilenameFor(jw.date, TypeIndex, num), Payload: p.Encode()}
	if err := bw.WriteSegment(seg); err != nil {
		return err
	}
	return bw.Close()
}

// Finalize rewrites the version's c block in place with the final end
// offset, the only in-place write in the format. It re-encodes a fresh c
// block using the identical neutral-probability header used at
// WriteTransactionStart and only overwrites the original bytes if the
// re-encoding happens to match the original width exactly; otherwise it
// returns an error rather than risk shifting every offset after it. This
// is a deliberate simplification: the upstream format's transaction header
// always compresses to a fixed width because its store-method encoding
// sidesteps the arithmetic coder entirely, which this implementation does
// not replicate.
func (jw *Writer) Finalize(endOffset uint64) error {
	if jw.wat == nil {
		return fmt.Errorf("journal: underlying writer does not support in-place rewrite")
	}
	var buf bytes.Buffer
	bw, err := block.NewWriter(&buf, transactionHeader(), jw.withTag)
	if err != nil {
		return err
	}
	seg := block.Segment{
		Filename: FilenameFor(jw.date, TypeTransaction, jw.cBlockNum),
		Payload:  TransactionPayload{EndOffset: endOffset}.Encode(),
	}
	if err := bw.WriteSegment(seg); err != nil {
		return err
	}
	if err := bw.Close(); err != nil {
		return err
	}
	if int64(buf.Len()) != jw.cBlockWidth {
		return fmt.Errorf("journal: c block re-encoding width drifted (%d vs %d original); cannot rewrite in place", buf.Len(), jw.cBlockWidth)
	}
	_, err = jw.wat.WriteAt(buf.Bytes(), jw.cBlockOffset)
	return err
}
