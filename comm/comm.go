// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the message passing layer shared by the
// ranks of a stencil job. A rank sees the group through a Comm, which
// provides non-blocking point-to-point sends and receives; the
// collectives in this package (Bcast, Scatterv, Gatherv, ReduceMax,
// Barrier) are built on top of those, so that they behave identically
// regardless of the transport underneath.
//
// Two transports are provided: LocalGroup, which connects goroutines
// within a single process, and the bigmachine transport in package
// exec, which delivers messages between machines by RPC.
package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Comm is a single rank's view of a process group.
type Comm interface {
	// Rank returns the 0-based index of this rank in the group.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int

	// Isend posts a send of buf to rank dst with the provided tag and
	// returns immediately. The caller must not modify buf until the
	// returned request has completed.
	Isend(ctx context.Context, buf []byte, dst, tag int) *Request

	// Irecv posts a receive of exactly len(buf) bytes from rank src
	// with the provided tag and returns immediately. The contents of
	// buf are undefined until the returned request has completed.
	Irecv(ctx context.Context, buf []byte, src, tag int) *Request
}

// A Request is a handle to an in-flight communication operation.
type Request struct {
	done chan struct{}
	err  error
}

// Go runs fn in a goroutine and returns a request that completes
// when fn returns.
func Go(fn func() error) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		r.err = fn()
		close(r.done)
	}()
	return r
}

// Done returns a request that has already completed with the
// provided error.
func Done(err error) *Request {
	r := &Request{done: make(chan struct{}), err: err}
	close(r.done)
	return r
}

// Wait blocks until the request completes or the context is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completed reports whether the request has completed, without
// blocking.
func (r *Request) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// WaitAll waits for all of the provided requests to complete. It
// returns the first error encountered, but always waits for every
// request unless the context is done.
func WaitAll(ctx context.Context, reqs ...*Request) error {
	var err error
	for _, r := range reqs {
		if e := r.Wait(ctx); e != nil && err == nil {
			err = e
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// Send sends buf to rank dst and blocks until the send completes.
func Send(ctx context.Context, c Comm, buf []byte, dst, tag int) error {
	return c.Isend(ctx, buf, dst, tag).Wait(ctx)
}

// Recv receives len(buf) bytes from rank src into buf, blocking
// until the message has arrived.
func Recv(ctx context.Context, c Comm, buf []byte, src, tag int) error {
	return c.Irecv(ctx, buf, src, tag).Wait(ctx)
}

// CheckPeer returns an error if peer is not a valid rank in a group
// of the provided size.
func CheckPeer(peer, size int) error {
	if peer < 0 || peer >= size {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: rank %d out of range [0, %d)", peer, size))
	}
	return nil
}

// sizeMismatch is returned when a received message does not match the
// size of the posted receive buffer. This indicates that ranks
// disagree about the geometry of the job, and is fatal.
func sizeMismatch(src, tag, got, want int) error {
	return errors.E(errors.Fatal, errors.Integrity,
		fmt.Sprintf("comm: message from rank %d (tag %d): got %d bytes, want %d", src, tag, got, want))
}

// Deliver copies a received message p into buf, checking that the
// sizes agree.
func Deliver(buf, p []byte, src, tag int) error {
	if len(p) != len(buf) {
		return sizeMismatch(src, tag, len(p), len(buf))
	}
	copy(buf, p)
	return nil
}
