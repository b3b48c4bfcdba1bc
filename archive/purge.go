// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/google/renameio"

	"github.com/archivelabs/zpaqgo/internal/block"
	"github.com/archivelabs/zpaqgo/internal/crypt"
	"github.com/archivelabs/zpaqgo/internal/journal"
	"github.com/archivelabs/zpaqgo/internal/sched"
)

// PurgeToFile rewrites the archive at archivePath into a fresh archive
// holding only the reachable content of its latest complete version:
// unreferenced fragments and superseded or deleted files are dropped, and
// surviving fragment IDs are renumbered from 1. This is the same
// merge-by-copy reconstruction idea the teacher's tryMergeBlocks uses to
// fold completed work into one contiguous run, applied here to archive
// content instead of decompressed bytes.
func PurgeToFile(cfg Config, archivePath string) error {
	full := cfg
	full.Until = journal.Until{} // purge always operates on the latest reachable state

	view, err := reconstructView(full, archivePath)
	if err != nil {
		return fmt.Errorf("archive: purge: reconstructing view: %w", err)
	}
	fragBytes, err := loadFragmentData(full, archivePath)
	if err != nil {
		return fmt.Errorf("archive: purge: loading fragment data: %w", err)
	}

	liveIDs := map[uint32]bool{}
	for _, dtv := range view.Files {
		if dtv.Date == 0 {
			continue
		}
		for _, id := range dtv.FragIDs {
			liveIDs[id] = true
		}
	}
	sorted := make([]uint32, 0, len(liveIDs))
	for id := range liveIDs {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	remap := make(map[uint32]uint32, len(sorted))
	for i, id := range sorted {
		remap[id] = uint32(i + 1)
	}

	t, err := renameio.TempFile("", archivePath)
	if err != nil {
		return fmt.Errorf("archive: purge: creating temp file: %w", err)
	}
	defer t.Cleanup()

	if err := writePurgedArchive(full, t, sorted, remap, fragBytes, view); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func writePurgedArchive(cfg Config, w io.Writer, sorted []uint32, remap map[uint32]uint32, fragBytes map[uint64][]byte, view *journal.View) error {
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
		return fmt.Errorf("archive: purge: starting transaction: %w", err)
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
	sc := sched.New(cfg.ringSize(), cfg.concurrency(), compress, write)
	producer, errCh := sc.Run(ctx)

	db := newDataBlock(cfg.blockSizeBytes())
	var hashEntries []journal.HashEntry
	flush := func() error {
		if db.FragmentCount() == 0 {
			return nil
		}
		filename := jw.ReserveDataFilename()
		if err := producer.Enqueue(ctx, sched.Job{Filename: filename, Method: method, Input: db.Payload()}); err != nil {
			return err
		}
		db.reset()
		return nil
	}

	for _, oldID := range sorted {
		data := fragBytes[uint64(oldID)]
		loc := view.Fragments[uint64(oldID)]
		if db.FragmentCount() > 0 && (db.WouldOverflow(data) || db.PoorlyCorrelated(data)) {
			if err := flush(); err != nil {
				return err
			}
		}
		db.Append(data)
		hashEntries = append(hashEntries, journal.HashEntry{SHA1: loc.SHA1, USize: loc.USize})
	}
	if err := flush(); err != nil {
		return err
	}

	producer.Close()
	if err := <-errCh; err != nil {
		return fmt.Errorf("archive: purge: scheduler: %w", err)
	}

	if len(hashEntries) > 0 {
		if err := jw.WriteHashTable(journal.HashTablePayload{BSize: uint32(cfg.blockSizeBytes()), Entries: hashEntries}); err != nil {
			return fmt.Errorf("archive: purge: writing hash table: %w", err)
		}
	}

	var records []journal.IndexRecord
	for name, dtv := range view.Files {
		if dtv.Date == 0 {
			continue
		}
		newIDs := make([]uint32, len(dtv.FragIDs))
		for i, old := range dtv.FragIDs {
			newIDs[i] = remap[old]
		}
		records = append(records, journal.IndexRecord{Date: dtv.Date, Name: name, Attr: dtv.Attr, FragIDs: newIDs})
	}
	if err := jw.WriteIndex(journal.IndexPayload{Records: records}); err != nil {
		return fmt.Errorf("archive: purge: writing index: %w", err)
	}
	return jw.Finalize(uint64(cw.n))
}
