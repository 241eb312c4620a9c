// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// Tags used by collectives. They are negative so that they never
// collide with point-to-point tags chosen by callers.
const (
	tagBcast = -1 - iota
	tagScatter
	tagGather
	tagReduce
	tagBarrier
	tagRelease
)

// Collectives must be called by every rank in the group, in the same
// order, with the same root. A rank that does not participate stalls
// the others until the group is aborted.

// Bcast broadcasts buf from root to every rank. On non-root ranks,
// buf must have the same length as root's and receives its contents.
func Bcast(ctx context.Context, c Comm, buf []byte, root int) error {
	if err := CheckPeer(root, c.Size()); err != nil {
		return err
	}
	if c.Rank() != root {
		return Recv(ctx, c, buf, root, tagBcast)
	}
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		r := r
		g.Go(func() error { return Send(gctx, c, buf, r, tagBcast) })
	}
	return g.Wait()
}

// BcastInts broadcasts vals from root. Every rank must pass a slice
// of the same length; on return all ranks hold root's values.
func BcastInts(ctx context.Context, c Comm, vals []int, root int) error {
	buf := make([]byte, 8*len(vals))
	if c.Rank() == root {
		for i, v := range vals {
			binary.BigEndian.PutUint64(buf[8*i:], uint64(int64(v)))
		}
	}
	if err := Bcast(ctx, c, buf, root); err != nil {
		return err
	}
	for i := range vals {
		vals[i] = int(int64(binary.BigEndian.Uint64(buf[8*i:])))
	}
	return nil
}

// Scatterv distributes variable-sized blocks of send from root.
// Rank r receives send[displs[r]:displs[r]+counts[r]] into recv,
// which must be exactly counts[r] bytes long. Send, counts and displs
// are significant only on root.
func Scatterv(ctx context.Context, c Comm, send []byte, counts, displs []int, recv []byte, root int) error {
	if err := CheckPeer(root, c.Size()); err != nil {
		return err
	}
	if c.Rank() != root {
		return Recv(ctx, c, recv, root, tagScatter)
	}
	if err := checkLayout(len(send), counts, displs, c.Size()); err != nil {
		return err
	}
	if counts[root] != len(recv) {
		return sizeMismatch(root, tagScatter, counts[root], len(recv))
	}
	copy(recv, send[displs[root]:displs[root]+counts[root]])
	reqs := make([]*Request, 0, c.Size()-1)
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		reqs = append(reqs, c.Isend(ctx, send[displs[r]:displs[r]+counts[r]], r, tagScatter))
	}
	return WaitAll(ctx, reqs...)
}

// Gatherv is the inverse of Scatterv: rank r's send buffer is placed
// at recv[displs[r]:displs[r]+counts[r]] on root. Recv, counts and
// displs are significant only on root.
func Gatherv(ctx context.Context, c Comm, send []byte, recv []byte, counts, displs []int, root int) error {
	if err := CheckPeer(root, c.Size()); err != nil {
		return err
	}
	if c.Rank() != root {
		return Send(ctx, c, send, root, tagGather)
	}
	if err := checkLayout(len(recv), counts, displs, c.Size()); err != nil {
		return err
	}
	if counts[root] != len(send) {
		return sizeMismatch(root, tagGather, len(send), counts[root])
	}
	copy(recv[displs[root]:displs[root]+counts[root]], send)
	reqs := make([]*Request, 0, c.Size()-1)
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		reqs = append(reqs, c.Irecv(ctx, recv[displs[r]:displs[r]+counts[r]], r, tagGather))
	}
	return WaitAll(ctx, reqs...)
}

// ReduceMax reduces vals elementwise with max onto root. Root
// receives the reduced values; other ranks receive nil. Every rank
// must pass the same number of values.
func ReduceMax(ctx context.Context, c Comm, vals []float64, root int) ([]float64, error) {
	if err := CheckPeer(root, c.Size()); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		buf := make([]byte, 8*len(vals))
		for i, v := range vals {
			binary.BigEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
		return nil, Send(ctx, c, buf, root, tagReduce)
	}
	var (
		out  = append([]float64(nil), vals...)
		bufs = make([][]byte, c.Size())
		reqs = make([]*Request, 0, c.Size()-1)
	)
	for r := range bufs {
		if r == root {
			continue
		}
		bufs[r] = make([]byte, 8*len(vals))
		reqs = append(reqs, c.Irecv(ctx, bufs[r], r, tagReduce))
	}
	if err := WaitAll(ctx, reqs...); err != nil {
		return nil, err
	}
	for _, buf := range bufs {
		for i := 0; i < len(buf)/8; i++ {
			out[i] = math.Max(out[i], math.Float64frombits(binary.BigEndian.Uint64(buf[8*i:])))
		}
	}
	return out, nil
}

// Barrier returns only after every rank in the group has entered it.
func Barrier(ctx context.Context, c Comm, root int) error {
	if err := CheckPeer(root, c.Size()); err != nil {
		return err
	}
	if c.Rank() != root {
		if err := Send(ctx, c, nil, root, tagBarrier); err != nil {
			return err
		}
		return Recv(ctx, c, nil, root, tagRelease)
	}
	reqs := make([]*Request, 0, c.Size()-1)
	for r := 0; r < c.Size(); r++ {
		if r != root {
			reqs = append(reqs, c.Irecv(ctx, nil, r, tagBarrier))
		}
	}
	if err := WaitAll(ctx, reqs...); err != nil {
		return err
	}
	reqs = reqs[:0]
	for r := 0; r < c.Size(); r++ {
		if r != root {
			reqs = append(reqs, c.Isend(ctx, nil, r, tagRelease))
		}
	}
	return WaitAll(ctx, reqs...)
}

// checkLayout verifies that counts and displs describe size blocks
// that lie within a buffer of n bytes.
func checkLayout(n int, counts, displs []int, size int) error {
	if len(counts) != size || len(displs) != size {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: layout has %d counts and %d displacements for %d ranks", len(counts), len(displs), size))
	}
	for r := range counts {
		if counts[r] < 0 || displs[r] < 0 || displs[r]+counts[r] > n {
			return errors.E(errors.Invalid, fmt.Sprintf("comm: block %d [%d, %d) out of bounds of %d-byte buffer", r, displs[r], displs[r]+counts[r], n))
		}
	}
	return nil
}
