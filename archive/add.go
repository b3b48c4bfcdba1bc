// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/archivelabs/zpaqgo/internal/block"
	"github.com/archivelabs/zpaqgo/internal/crypt"
	"github.com/archivelabs/zpaqgo/internal/frag"
	"github.com/archivelabs/zpaqgo/internal/journal"
	"github.com/archivelabs/zpaqgo/internal/sched"
)

// countingWriter tracks bytes written, so Add can hand
// jw.WriteTransactionStart an accurate baseOffset and Finalize an accurate
// end offset.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteAt forwards to the underlying writer's WriteAt, if it has one. The
// offset is absolute in the underlying stream's own coordinates and is
// untouched by n, unlike Write.
func (c *countingWriter) WriteAt(p []byte, off int64) (int, error) {
	wat, ok := c.w.(io.WriterAt)
	if !ok {
		return 0, fmt.Errorf("archive: underlying writer does not support WriteAt")
	}
	return wat.WriteAt(p, off)
}

// Add appends one new version to the archive stream w, recording roots'
// files as of now. w is written to exactly once, start to finish, matching
// § 5's "archive file opened once by the writer" rule; the caller is
// responsible for w ending up where the archive actually lives (see
// AddToFile for the common case of a real file on disk).
func Add(cfg Config, w io.Writer, roots []string) error {
	var out io.Writer = w
	if cfg.Password != "" {
		out = crypt.NewWriter(w, cfg.Password)
	}
	cw := &countingWriter{w: out, n: cfg.StartOffset}

	date, err := dateStamp()
	if err != nil {
		return err
	}
	jw, err := journal.NewWriter(cw, date, cfg.WithTag)
	if err != nil {
		return err
	}
	if err := jw.WriteTransactionStart(cw.n); err != nil {
		return fmt.Errorf("archive: starting transaction: %w", err)
	}

	ctx := context.Background()
	method := cfg.method()
	compress := func(ctx context.Context, job sched.Job) ([]byte, error) {
		payload, err := preprocessFragmentPayload(method, job.Input)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		bw, err := block.NewWriter(&buf, methodHeader(method), cfg.WithTag)
		if err != nil {
			return nil, err
		}
		if err := bw.WriteSegment(block.Segment{Filename: job.Filename, Payload: payload}); err != nil {
			return nil, err
		}
		if err := bw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	write := func(ctx context.Context, job sched.Job, compressed []byte) error {
		return jw.WriteRaw(compressed)
	}

	var progressCh chan sched.Progress
	var forwardDone chan struct{}
	if cfg.Progress != nil {
		progressCh = make(chan sched.Progress, cfg.ringSize())
		forwardDone = make(chan struct{})
		go func() {
			defer close(forwardDone)
			for p := range progressCh {
				select {
				case cfg.Progress <- Progress{Op: "add", Filename: p.Filename, InputBytes: p.InputBytes, OutputBytes: p.OutputBytes}:
				default:
				}
			}
		}()
	}

	var schedOpts []sched.Option
	if cfg.Verbose {
		schedOpts = append(schedOpts, sched.Verbose(true))
	}
	if progressCh != nil {
		schedOpts = append(schedOpts, sched.SendProgress(progressCh))
	}
	sc := sched.New(cfg.ringSize(), cfg.concurrency(), compress, write, schedOpts...)
	producer, errCh := sc.Run(ctx)

	index := frag.NewIndex()
	var hashEntries []journal.HashEntry
	var records []journal.IndexRecord
	db := newDataBlock(cfg.blockSizeBytes())

	flush := func() error {
		if db.FragmentCount() == 0 {
			return nil
		}
		filename := jw.ReserveDataFilename()
		job := sched.Job{Filename: filename, Method: method, Input: db.Payload()}
		if err := producer.Enqueue(ctx, job); err != nil {
			return err
		}
		// Reset in place rather than rebinding db to a new object: addFile
		// holds db via a plain (non-pointer-to-pointer) parameter, so a
		// rebind here would leave addFile still appending into the
		// already-enqueued, now-stale block for the rest of the current
		// file.
		db.reset()
		return nil
	}

	var walkErr error
	for _, root := range roots {
		walkErr = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			fragIDs, err := addFile(path, cfg.fragmentLog(), index, db, flush, &hashEntries)
			if err != nil {
				return fmt.Errorf("archive: adding %q: %w", path, err)
			}
			records = append(records, journal.IndexRecord{Date: date, Name: filepath.ToSlash(rel), FragIDs: fragIDs})
			return nil
		})
		if walkErr != nil {
			break
		}
	}
	if walkErr == nil {
		walkErr = flush()
	}

	producer.Close()
	schedErr := <-errCh
	if progressCh != nil {
		close(progressCh)
		<-forwardDone
	}
	if walkErr != nil {
		return walkErr
	}
	if schedErr != nil {
		return fmt.Errorf("archive: compress/write scheduler: %w", schedErr)
	}

	if len(hashEntries) > 0 {
		if err := jw.WriteHashTable(journal.HashTablePayload{BSize: uint32(cfg.blockSizeBytes()), Entries: hashEntries}); err != nil {
			return fmt.Errorf("archive: writing hash table: %w", err)
		}
	}
	if err := jw.WriteIndex(journal.IndexPayload{Records: records}); err != nil {
		return fmt.Errorf("archive: writing index: %w", err)
	}
	if err := jw.Finalize(uint64(cw.n)); err != nil {
		if cfg.Verbose {
			log.Printf("archive: add: transaction end offset not rewritten in place: %v", err)
		}
	}
	return nil
}

// addFile chunks one file's bytes, deduplicates each fragment against
// index, and appends newly-seen fragments to db (flushing it through flush
// as needed), returning the fragment ID list that reconstructs the file.
func addFile(path string, f int, index *frag.Index, db *dataBlock, flush func() error, hashEntries *[]journal.HashEntry) ([]uint32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	chunker := frag.NewChunker(f)
	br := bufio.NewReader(file)
	var fragIDs []uint32
	for {
		data, err := chunker.Next(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		fr := index.Put(data)
		if !fr.Dup {
			if db.FragmentCount() > 0 && (db.WouldOverflow(data) || db.PoorlyCorrelated(data)) {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			db.Append(data)
			*hashEntries = append(*hashEntries, journal.HashEntry{SHA1: fr.SHA1, USize: uint32(len(data))})
		}
		fragIDs = append(fragIDs, uint32(fr.ID))
	}
	return fragIDs, nil
}

// dateStamp returns the current time as a zpaqgo date integer
// (YYYYMMDDHHMMSS), per § 4.7's 14-digit journal filename date field.
func dateStamp() (int64, error) {
	now := time.Now().UTC()
	s := now.Format("20060102150405")
	var v int64
	if _, err := fmt.Sscanf(s, "%14d", &v); err != nil {
		return 0, fmt.Errorf("archive: formatting date stamp: %w", err)
	}
	return v, nil
}

// AddToFile appends one new version to the archive at path, creating it if
// necessary, using renameio so a crash or error mid-write leaves the
// previous archive contents untouched rather than a half-written file.
func AddToFile(cfg Config, path string, roots []string) (err error) {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("archive: creating temp file for %q: %w", path, err)
	}
	defer t.Cleanup()

	var startOffset int64
	if existing, openErr := os.Open(path); openErr == nil {
		n, copyErr := io.Copy(t, existing)
		existing.Close()
		if copyErr != nil {
			return fmt.Errorf("archive: copying existing archive: %w", copyErr)
		}
		startOffset = n
	} else if !os.IsNotExist(openErr) {
		return fmt.Errorf("archive: opening existing archive %q: %w", path, openErr)
	}

	cfg.StartOffset = startOffset
	if err := Add(cfg, t, roots); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
