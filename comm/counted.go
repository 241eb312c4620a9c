// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"

	"github.com/grailbio/bigstencil/stats"
)

// Counter names maintained by Counted.
const (
	StatSentMsgs  = "sentmsgs"
	StatSentBytes = "sentbytes"
	StatRecvMsgs  = "recvmsgs"
	StatRecvBytes = "recvbytes"
)

// Counted returns a Comm that accounts for every completed send and
// receive of c in the provided stats map.
func Counted(c Comm, m *stats.Map) Comm {
	return &countedComm{
		Comm:      c,
		sentMsgs:  m.Int(StatSentMsgs),
		sentBytes: m.Int(StatSentBytes),
		recvMsgs:  m.Int(StatRecvMsgs),
		recvBytes: m.Int(StatRecvBytes),
	}
}

type countedComm struct {
	Comm
	sentMsgs, sentBytes *stats.Int
	recvMsgs, recvBytes *stats.Int
}

func (c *countedComm) Isend(ctx context.Context, buf []byte, dst, tag int) *Request {
	req := c.Comm.Isend(ctx, buf, dst, tag)
	return Go(func() error {
		if err := req.Wait(ctx); err != nil {
			return err
		}
		c.sentMsgs.Add(1)
		c.sentBytes.Add(int64(len(buf)))
		return nil
	})
}

func (c *countedComm) Irecv(ctx context.Context, buf []byte, src, tag int) *Request {
	req := c.Comm.Irecv(ctx, buf, src, tag)
	return Go(func() error {
		if err := req.Wait(ctx); err != nil {
			return err
		}
		c.recvMsgs.Add(1)
		c.recvBytes.Add(int64(len(buf)))
		return nil
	})
}
