// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
)

// LocalGroup is a process group whose ranks are goroutines in the
// current process. Ranks share nothing but their mailboxes: each send
// copies its buffer before it is delivered.
type LocalGroup struct {
	boxes []*Mailbox
}

// NewLocalGroup returns a new local group of n ranks.
func NewLocalGroup(n int) *LocalGroup {
	if n <= 0 {
		panic(fmt.Sprintf("comm.NewLocalGroup: invalid size %d", n))
	}
	g := &LocalGroup{boxes: make([]*Mailbox, n)}
	for i := range g.boxes {
		g.boxes[i] = NewMailbox()
	}
	return g
}

// Size returns the number of ranks in the group.
func (g *LocalGroup) Size() int { return len(g.boxes) }

// Comm returns the communicator for the provided rank.
func (g *LocalGroup) Comm(rank int) Comm {
	if err := CheckPeer(rank, len(g.boxes)); err != nil {
		panic(err)
	}
	return &localComm{g, rank}
}

// Close aborts the group: every receive that is blocked, or that is
// posted later without a matching message already queued, fails
// with err.
func (g *LocalGroup) Close(err error) {
	for _, box := range g.boxes {
		box.Close(err)
	}
}

type localComm struct {
	g    *LocalGroup
	rank int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return len(c.g.boxes) }

func (c *localComm) Isend(ctx context.Context, buf []byte, dst, tag int) *Request {
	if err := CheckPeer(dst, len(c.g.boxes)); err != nil {
		return Done(err)
	}
	p := make([]byte, len(buf))
	copy(p, buf)
	return Done(c.g.boxes[dst].Put(c.rank, tag, p))
}

func (c *localComm) Irecv(ctx context.Context, buf []byte, src, tag int) *Request {
	if err := CheckPeer(src, len(c.g.boxes)); err != nil {
		return Done(err)
	}
	return c.g.boxes[c.rank].Irecv(ctx, buf, src, tag)
}
