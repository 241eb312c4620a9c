// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/raster"
	"github.com/grailbio/bigstencil/stats"
)

// Counter names maintained by the rank program, in addition to the
// communication counters of package comm.
const (
	// StatRows counts the output rows computed by a rank.
	StatRows = "rows"
	// StatBlockRows is the size of the rank's block.
	StatBlockRows = "blockrows"
)

// A Job describes a single edge detection run. Jobs are passed to
// every rank, so they must be gob-encodable.
type Job struct {
	// Input is the path of the image to process. Only root reads it.
	Input string
	// Output is the path of the P5 PGM raster written by root.
	Output string
	// PNG, if set, is the path of a PNG copy of the output.
	PNG string
	// Threshold is the binarization cutoff; it is clamped to
	// [0, 255].
	Threshold int
}

// A Span is the interval a rank spent in one phase of the job.
type Span struct {
	Phase string
	Start time.Time
	Dur   time.Duration
}

// A Report describes the outcome of a job as observed by one rank.
type Report struct {
	Rank          int
	Width, Height int
	// Block is the rank's partition of the image.
	Block Block
	// Timing is the rank's own timing.
	Timing Timing
	// Max is the fieldwise maximum of all ranks' timings. It is set
	// only on root.
	Max Timing
	// Digest is the murmur3 digest of the output raster. It is set
	// only on root.
	Digest uint64
	// Spans lists the phases of the job, in order.
	Spans []Span
	// Stats counts the messages and bytes moved by the rank.
	Stats stats.Values
}

// An Observer is notified as a rank moves between the phases of a
// job.
type Observer interface {
	Phase(rank int, phase string)
}

// Run runs the rank program of the provided job. Every rank of the
// group must call Run with the same job. Root decodes the input,
// broadcasts its geometry and scatters its rows; every rank then
// computes its block, overlapping the halo exchange with the interior
// rows, and root gathers, saves the output, and reports the maximum
// timing across ranks.
//
// Any error returned by Run must abort the whole group: other ranks
// may be blocked on a collective that this rank will never enter.
func Run(ctx context.Context, c comm.Comm, job Job) (*Report, error) {
	return RunObserved(ctx, c, job, nil)
}

// RunObserved is Run, reporting phase changes to obs.
func RunObserved(ctx context.Context, c comm.Comm, job Job, obs Observer) (*Report, error) {
	r := &runner{
		rank:  c.Rank(),
		stats: stats.NewMap(),
		obs:   obs,
	}
	r.comm = comm.Counted(c, r.stats)
	report, err := r.run(ctx, job)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("rank %d", r.rank), err)
	}
	return report, nil
}

type runner struct {
	rank  int
	comm  comm.Comm
	stats *stats.Map
	obs   Observer
	spans []Span
}

// phase starts a new phase and returns a function that ends it.
func (r *runner) phase(name string) func() {
	if r.obs != nil {
		r.obs.Phase(r.rank, name)
	}
	log.Debug.Printf("rank %d: %s", r.rank, name)
	start := time.Now()
	return func() {
		r.spans = append(r.spans, Span{Phase: name, Start: start, Dur: time.Since(start)})
	}
}

func (r *runner) run(ctx context.Context, job Job) (*Report, error) {
	c := r.comm
	var (
		img  *raster.Gray
		geom = make([]int, 3)
	)
	if r.rank == Root {
		done := r.phase("load")
		var err error
		img, err = raster.Load(ctx, job.Input)
		done()
		if err != nil {
			return nil, err
		}
		geom[0], geom[1], geom[2] = img.Width, img.Height, c.Size()
	}
	if err := comm.BcastInts(ctx, c, geom, Root); err != nil {
		return nil, err
	}
	width, height := geom[0], geom[1]
	if geom[2] != c.Size() {
		return nil, errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("root runs %d ranks, this group has %d", geom[2], c.Size()))
	}
	plan, err := NewPlan(height, width, c.Size())
	if err != nil {
		return nil, err
	}
	block := plan.Block(r.rank)
	halo, err := NewHalo(width, block.Rows)
	if err != nil {
		return nil, err
	}
	local, err := raster.Alloc(block.Rows * width)
	if err != nil {
		return nil, err
	}
	r.stats.Int(StatBlockRows).Set(int64(block.Rows))
	rows := r.stats.Int(StatRows)

	done := r.phase("scatter")
	var full []byte
	if img != nil {
		full = img.Pix
	}
	err = ScatterRows(ctx, c, plan, full, halo)
	done()
	if err != nil {
		return nil, err
	}
	// The input raster is no longer needed once scattered.
	img, full = nil, nil

	var timing Timing
	x := halo.Exchange(ctx, c)
	start := time.Now()
	done = r.phase("interior")
	lo, hi := Interior(block.Rows)
	Gradient(local, halo, lo, hi)
	rows.Add(int64(hi - lo))
	done()
	interior := time.Now()

	done = r.phase("wait")
	err = x.Wait(ctx)
	done()
	if err != nil {
		return nil, err
	}
	waited := time.Now()

	done = r.phase("boundary")
	for _, y := range Boundary(block.Rows) {
		Gradient(local, halo, y, y+1)
		rows.Add(1)
	}
	done()
	finished := time.Now()
	timing.Interior = interior.Sub(start)
	timing.Wait = waited.Sub(interior)
	timing.Total = finished.Sub(start)

	done = r.phase("threshold")
	Threshold(local, ClampThreshold(job.Threshold))
	done()

	var out *raster.Gray
	if r.rank == Root {
		if out, err = raster.New(width, height); err != nil {
			return nil, err
		}
		full = out.Pix
	}
	done = r.phase("gather")
	err = GatherRows(ctx, c, plan, local, full)
	done()
	if err != nil {
		return nil, err
	}
	max, err := ReduceTiming(ctx, c, timing, Root)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Rank:   r.rank,
		Width:  width,
		Height: height,
		Block:  block,
		Timing: timing,
	}
	if r.rank == Root {
		report.Max = max
		report.Digest = raster.Digest(out)
		done = r.phase("save")
		err = raster.Save(ctx, job.Output, out)
		if err == nil && job.PNG != "" {
			err = raster.SavePNG(job.PNG, out)
		}
		done()
		if err != nil {
			return nil, err
		}
		log.Printf("%s: %dx%d, %d ranks, digest %016x", job.Output, width, height, c.Size(), report.Digest)
	}
	report.Spans = r.spans
	report.Stats = r.stats.Snapshot()
	return report, nil
}
