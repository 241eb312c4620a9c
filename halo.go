// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"context"

	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/raster"
)

// Tags used by the halo exchange. TagHaloDown carries a rank's last
// real row to the rank below it, where it fills the top halo row;
// TagHaloUp carries a rank's first real row to the rank above it,
// where it fills the bottom halo row.
const (
	TagHaloDown = 100
	TagHaloUp   = 101
)

// A Halo is a rank's local buffer: its block of real rows framed by
// one halo row above and one below. Halo row 0 holds the row above
// the block (supplied by the previous rank, or clamped at the top of
// the image); row Rows+1 holds the row below it.
//
// The buffer is written by ScatterRows (real rows) and by Exchange
// (halo rows). Once the exchange has been waited on, it is only read.
type Halo struct {
	Width, Rows int
	Buf         []byte
}

// NewHalo allocates a zeroed halo buffer for a block of the provided
// size.
func NewHalo(width, rows int) (*Halo, error) {
	buf, err := raster.Alloc((rows + 2) * width)
	if err != nil {
		return nil, err
	}
	return &Halo{Width: width, Rows: rows, Buf: buf}, nil
}

// Row returns row i of the buffer, where 0 and Rows+1 are the halo
// rows and 1..Rows are the real rows.
func (h *Halo) Row(i int) []byte {
	return h.Buf[i*h.Width : (i+1)*h.Width]
}

// Real returns the real rows of the buffer.
func (h *Halo) Real() []byte {
	return h.Buf[h.Width : (h.Rows+1)*h.Width]
}

// An Exchange is a posted halo exchange.
type Exchange struct {
	reqs []*comm.Request
}

// Exchange posts the halo exchange for this rank and returns
// immediately. Rows at the global top and bottom of the image are
// clamped in place and never communicated. The halo rows are stale
// until Wait returns; the real rows must not be modified before
// then.
func (h *Halo) Exchange(ctx context.Context, c comm.Comm) *Exchange {
	var (
		x    = new(Exchange)
		rank = c.Rank()
		top  = h.Row(0)
		bot  = h.Row(h.Rows + 1)
	)
	if rank == 0 {
		copy(top, h.Row(1))
	} else {
		x.reqs = append(x.reqs,
			c.Irecv(ctx, top, rank-1, TagHaloDown),
			c.Isend(ctx, h.Row(1), rank-1, TagHaloUp))
	}
	if rank == c.Size()-1 {
		copy(bot, h.Row(h.Rows))
	} else {
		x.reqs = append(x.reqs,
			c.Irecv(ctx, bot, rank+1, TagHaloUp),
			c.Isend(ctx, h.Row(h.Rows), rank+1, TagHaloDown))
	}
	return x
}

// Wait blocks until every operation of the exchange has completed.
// It is the only blocking point of an exchange.
func (x *Exchange) Wait(ctx context.Context) error {
	return comm.WaitAll(ctx, x.reqs...)
}
