// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package sched implements the fixed-capacity compress/write scheduler: a
// ring of job slots cycling EMPTY -> FULL -> COMPRESSING -> COMPRESSED ->
// WRITING -> EMPTY, a single producer, W compressor workers, and a single
// writer that drains slots strictly in enqueue order.
package sched

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/cenkalti/backoff/v3"
)

// CompressFunc compresses one job's input bytes, returning the bytes to be
// written to the archive. It must do no archive I/O: only the writer goroutine
// touches the archive file, per the producer/worker/writer split.
type CompressFunc func(ctx context.Context, job Job) ([]byte, error)

// WriteFunc appends one compressed job's output to the archive, in the
// order jobs were enqueued. It is the only place archive output I/O happens.
type WriteFunc func(ctx context.Context, job Job, compressed []byte) error

// Job is one unit of scheduler work: the bytes a single worker compresses,
// tagged with the order it must be written back in.
type Job struct {
	Order    uint64
	Filename string
	Method   string
	Input    []byte
}

// Progress reports one job's completion, for a caller-supplied channel
// consumed only at the CLI layer.
type Progress struct {
	Order         uint64
	Filename      string
	InputBytes    int
	OutputBytes   int
	RetriedPermit bool
}

// Scheduler runs the producer-worker-writer pipeline described in the
// compress/write scheduler design: a bounded ring of slots gates memory use,
// a counting semaphore bounds compressor concurrency, and a single writer
// goroutine serialises output.
type Scheduler struct {
	compress CompressFunc
	write    WriteFunc
	workers  int

	emptySlots chan struct{} // capacity = ring size
	permits    chan struct{} // capacity = workers

	mu       sync.Mutex
	order    uint64
	progress chan<- Progress

	in  chan Job
	out chan jobResult

	verbose bool
}

type jobResult struct {
	job        Job
	compressed []byte
	err        error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// Verbose enables trace logging of slot transitions.
func Verbose(v bool) Option {
	return func(s *Scheduler) { s.verbose = v }
}

// SendProgress sets the channel progress reports are sent on. Optional; if
// unset, progress is dropped.
func SendProgress(ch chan<- Progress) Option {
	return func(s *Scheduler) { s.progress = ch }
}

// New builds a scheduler with the given ring capacity and worker count.
// compress runs on worker goroutines; write runs only on the single writer
// goroutine, in enqueue order.
func New(ringSize, workers int, compress CompressFunc, write WriteFunc, opts ...Option) *Scheduler {
	if ringSize < 1 {
		ringSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		compress:   compress,
		write:      write,
		workers:    workers,
		emptySlots: make(chan struct{}, ringSize),
		permits:    make(chan struct{}, workers),
		in:         make(chan Job, ringSize),
		out:        make(chan jobResult, ringSize),
	}
	for i := 0; i < ringSize; i++ {
		s.emptySlots <- struct{}{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) trace(format string, args ...interface{}) {
	if s.verbose {
		log.Printf(format, args...)
	}
}

// Run starts the worker pool and writer, blocking until ctx is cancelled or
// Close has been called on the returned Producer and every enqueued job has
// drained through the writer.
func (s *Scheduler) Run(ctx context.Context) (*Producer, <-chan error) {
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(s.out)
	}()
	go func() {
		errCh <- s.writer(ctx)
		close(errCh)
	}()
	return &Producer{s: s}, errCh
}

// worker claims a compressor permit per job (bounding concurrency to
// `workers`), compresses it, and forwards the result to the writer.
func (s *Scheduler) worker(ctx context.Context) {
	for job := range s.in {
		select {
		case s.permits <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.trace("compressing: order=%d file=%q", job.Order, job.Filename)
		out, err := s.compressWithRetry(ctx, job)
		<-s.permits
		select {
		case s.out <- jobResult{job: job, compressed: out, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// compressWithRetry wraps compress in a bounded exponential backoff (per
// the out-of-memory-releases-the-job-back-to-READY behaviour described for
// extraction workers; compression workers apply the same policy). The retry
// only fires for errors that self-report as transient resource exhaustion
// via isResourceErr; every other error takes the backoff.Permanent path and
// fails the job on the first attempt. No compress call site in this tree
// currently returns such an error (Go's own allocator panics rather than
// erroring on exhaustion), so today this loop always runs its op exactly
// once — the hook exists for a future CompressFunc backed by a resource
// that genuinely can signal "try again" (e.g. a pooled external encoder, a
// bounded C library allocator reached through cgo). See DESIGN.md.
func (s *Scheduler) compressWithRetry(ctx context.Context, job Job) ([]byte, error) {
	var out []byte
	op := func() error {
		o, err := s.compress(ctx, job)
		if err != nil {
			if !isResourceErr(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = o
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by ctx instead
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	return out, err
}

// isResourceErr reports whether err looks like a transient resource
// exhaustion condition worth retrying, as opposed to a format or I/O error.
func isResourceErr(err error) bool {
	type resourceErr interface{ Resource() bool }
	if re, ok := err.(resourceErr); ok {
		return re.Resource()
	}
	return false
}

// writer drains compressed jobs strictly in enqueue order, so that each
// block's archive offset is known before it is written.
func (s *Scheduler) writer(ctx context.Context) error {
	pending := map[uint64]jobResult{}
	next := uint64(1)
	for {
		select {
		case res, ok := <-s.out:
			if !ok {
				if len(pending) != 0 {
					return fmt.Errorf("sched: writer exited with %d jobs still pending", len(pending))
				}
				return nil
			}
			pending[res.job.Order] = res
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if res.err != nil {
					return fmt.Errorf("sched: job %d (%s): %w", res.job.Order, res.job.Filename, res.err)
				}
				if err := s.write(ctx, res.job, res.compressed); err != nil {
					return fmt.Errorf("sched: writing job %d (%s): %w", res.job.Order, res.job.Filename, err)
				}
				s.emptySlots <- struct{}{}
				if s.progress != nil {
					select {
					case s.progress <- Progress{Order: res.job.Order, Filename: res.job.Filename, InputBytes: len(res.job.Input), OutputBytes: len(res.compressed)}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Producer is the single-writer handle a caller uses to enqueue jobs; only
// one goroutine may call Enqueue/Close, matching the single-producer
// design (it alone mutates the fragment hash index and fragment table).
type Producer struct {
	s      *Scheduler
	closed bool
}

// Enqueue blocks until a slot is EMPTY, assigns the job the next order
// number, and transitions the slot to FULL.
func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-p.s.emptySlots:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.s.mu.Lock()
	p.s.order++
	job.Order = p.s.order
	p.s.mu.Unlock()
	select {
	case p.s.in <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no further jobs will be enqueued; workers forward the
// end marker and the writer exits once every already-enqueued job has
// drained.
func (p *Producer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.s.in)
}
