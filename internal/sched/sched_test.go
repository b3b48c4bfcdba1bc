// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package sched

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestSchedulerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var written []string

	compress := func(_ context.Context, job Job) ([]byte, error) {
		return bytes.ToUpper(job.Input), nil
	}
	write := func(_ context.Context, job Job, compressed []byte) error {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, fmt.Sprintf("%d:%s", job.Order, compressed))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(4, 3, compress, write)
	p, errCh := s.Run(ctx)

	const n = 50
	for i := 0; i < n; i++ {
		job := Job{Filename: fmt.Sprintf("f%d", i), Input: []byte(fmt.Sprintf("payload%d", i))}
		if err := p.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	p.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("scheduler error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(written) != n {
		t.Fatalf("got %d writes, want %d", len(written), n)
	}
	got := append([]string(nil), written...)
	sorted := append([]string(nil), written...)
	sort.Strings(sorted)
	// written must already be in enqueue order: orders 1..n, in that order.
	for i, w := range got {
		want := fmt.Sprintf("%d:", i+1)
		if len(w) < len(want) || w[:len(want)] != want {
			t.Fatalf("write %d out of order: got %q", i, w)
		}
	}
}

func TestSchedulerPropagatesCompressError(t *testing.T) {
	compress := func(_ context.Context, job Job) ([]byte, error) {
		if job.Filename == "bad" {
			return nil, fmt.Errorf("boom")
		}
		return job.Input, nil
	}
	write := func(_ context.Context, job Job, compressed []byte) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(2, 2, compress, write)
	p, errCh := s.Run(ctx)
	p.Enqueue(ctx, Job{Filename: "good1", Input: []byte("a")})
	p.Enqueue(ctx, Job{Filename: "bad", Input: []byte("b")})
	p.Close()

	if err := <-errCh; err == nil {
		t.Fatalf("expected an error, got nil")
	}
}
