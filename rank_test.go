// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/raster"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"golang.org/x/sync/errgroup"
)

// runRanks runs fn on each rank of an in-process group of n ranks,
// aborting the group on the first error.
func runRanks(n int, fn func(ctx context.Context, c comm.Comm) error) error {
	g := comm.NewLocalGroup(n)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < n; r++ {
		c := g.Comm(r)
		eg.Go(func() error {
			err := fn(ctx, c)
			if err != nil {
				g.Close(err)
			}
			return err
		})
	}
	return eg.Wait()
}

func TestScatterGatherRoundTrip(t *testing.T) {
	const width, height = 13, 37
	img := &raster.Gray{Width: width, Height: height, Pix: make([]byte, width*height)}
	for i := range img.Pix {
		img.Pix[i] = byte(i*7 + i/width)
	}
	for _, n := range []int{1, 2, 4, 8, 16} {
		plan, err := NewPlan(height, width, n)
		assert.NoError(t, err)
		out := make([]byte, len(img.Pix))
		err = runRanks(n, func(ctx context.Context, c comm.Comm) error {
			h, err := NewHalo(width, plan.Block(c.Rank()).Rows)
			if err != nil {
				return err
			}
			var full, dst []byte
			if c.Rank() == Root {
				full, dst = img.Pix, out
			}
			if err := ScatterRows(ctx, c, plan, full, h); err != nil {
				return err
			}
			b := plan.Block(c.Rank())
			if !bytes.Equal(h.Real(), img.Pix[b.Start*width:b.End()*width]) {
				return fmt.Errorf("rank %d: wrong block", c.Rank())
			}
			local := append([]byte(nil), h.Real()...)
			return GatherRows(ctx, c, plan, local, dst)
		})
		assert.NoError(t, err)
		if !bytes.Equal(out, img.Pix) {
			t.Errorf("%d ranks: round trip changed the image", n)
		}
	}
}

func TestScatterPlanMismatch(t *testing.T) {
	plan, err := NewPlan(8, 2, 4)
	assert.NoError(t, err)
	err = runRanks(2, func(ctx context.Context, c comm.Comm) error {
		h, err := NewHalo(2, 2)
		if err != nil {
			return err
		}
		return ScatterRows(ctx, c, plan, make([]byte, 16), h)
	})
	expect.True(t, IsFatal(err))
	expect.True(t, errors.Is(errors.Integrity, err))
}

func TestHaloExchange(t *testing.T) {
	const width, height, n = 3, 10, 4
	img := &raster.Gray{Width: width, Height: height, Pix: make([]byte, width*height)}
	for i := range img.Pix {
		img.Pix[i] = byte(i / width)
	}
	plan, err := NewPlan(height, width, n)
	assert.NoError(t, err)
	err = runRanks(n, func(ctx context.Context, c comm.Comm) error {
		b := plan.Block(c.Rank())
		h, err := NewHalo(width, b.Rows)
		if err != nil {
			return err
		}
		copy(h.Real(), img.Pix[b.Start*width:b.End()*width])
		if err := h.Exchange(ctx, c).Wait(ctx); err != nil {
			return err
		}
		above, below := b.Start-1, b.End()
		if above < 0 {
			above = 0
		}
		if below >= height {
			below = height - 1
		}
		if got, want := h.Row(0), img.Row(above); !bytes.Equal(got, want) {
			return fmt.Errorf("rank %d: top halo: got %v, want %v", c.Rank(), got, want)
		}
		if got, want := h.Row(h.Rows+1), img.Row(below); !bytes.Equal(got, want) {
			return fmt.Errorf("rank %d: bottom halo: got %v, want %v", c.Rank(), got, want)
		}
		return nil
	})
	assert.NoError(t, err)
}

// stepComm posts no receive until released.
type stepComm struct {
	comm.Comm
	release chan struct{}
}

func (c *stepComm) Irecv(ctx context.Context, buf []byte, src, tag int) *comm.Request {
	return comm.Go(func() error {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.Comm.Irecv(ctx, buf, src, tag).Wait(ctx)
	})
}

func TestHaloExchangeNonBlocking(t *testing.T) {
	release := make(chan struct{})
	err := runRanks(2, func(ctx context.Context, c comm.Comm) error {
		h, err := NewHalo(2, 1)
		if err != nil {
			return err
		}
		copy(h.Real(), []byte{byte(c.Rank() + 1), byte(c.Rank() + 1)})
		x := h.Exchange(ctx, &stepComm{c, release})
		// Exchange has returned while no receive can complete; the
		// received halo is still zero.
		if c.Rank() == 0 && h.Row(2)[0] != 0 {
			return fmt.Errorf("halo written before wait")
		}
		if c.Rank() == 0 {
			time.AfterFunc(10*time.Millisecond, func() { close(release) })
		}
		if err := x.Wait(ctx); err != nil {
			return err
		}
		if c.Rank() == 0 && h.Row(2)[0] != 2 {
			return fmt.Errorf("got %v, want 2", h.Row(2)[0])
		}
		return nil
	})
	assert.NoError(t, err)
}

// runJob runs job over a local group of n ranks and returns root's
// report.
func runJob(t *testing.T, n int, job Job) (*Report, error) {
	t.Helper()
	var (
		mu   sync.Mutex
		root *Report
	)
	err := runRanks(n, func(ctx context.Context, c comm.Comm) error {
		report, err := Run(ctx, c, job)
		if err != nil {
			return err
		}
		if c.Rank() == Root {
			mu.Lock()
			root = report
			mu.Unlock()
		}
		return nil
	})
	return root, err
}

func writeInput(t *testing.T, dir string, img *raster.Gray) string {
	t.Helper()
	path := filepath.Join(dir, "input.pgm")
	assert.NoError(t, raster.Save(context.Background(), path, img))
	return path
}

func readOutput(t *testing.T, path string) *raster.Gray {
	t.Helper()
	img, err := raster.Load(context.Background(), path)
	assert.NoError(t, err)
	return img
}

func TestRunAllZero(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	img, err := raster.New(4, 4)
	assert.NoError(t, err)
	plan, err := NewPlan(4, 4, 2)
	assert.NoError(t, err)
	expect.EQ(t, plan.Counts(), []int{8, 8})

	job := Job{
		Input:     writeInput(t, dir, img),
		Output:    filepath.Join(dir, "out.pgm"),
		Threshold: 100,
	}
	report, err := runJob(t, 2, job)
	assert.NoError(t, err)
	expect.EQ(t, report.Width, 4)
	expect.EQ(t, report.Height, 4)
	out := readOutput(t, job.Output)
	expect.EQ(t, out.Pix, make([]byte, 16))
	expect.EQ(t, report.Digest, raster.Digest(out))
}

func TestRunBrightColumn(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	img, err := raster.New(9, 12)
	assert.NoError(t, err)
	for y := 0; y < img.Height; y++ {
		img.Set(4, y, 255)
	}
	input := writeInput(t, dir, img)
	want := sobel(img, DefaultThreshold)
	for _, n := range []int{1, 4} {
		job := Job{
			Input:     input,
			Output:    filepath.Join(dir, fmt.Sprintf("out%d.pgm", n)),
			Threshold: DefaultThreshold,
		}
		_, err := runJob(t, n, job)
		assert.NoError(t, err)
		if got := readOutput(t, job.Output).Pix; !bytes.Equal(got, want) {
			t.Errorf("%d ranks: got %v, want %v", n, got, want)
		}
	}
}

func TestRunRankCountIndependent(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fz := fuzz.NewWithSeed(3).NilChance(0)
	for _, dims := range [][2]int{{1, 16}, {17, 16}, {31, 40}, {5, 101}} {
		fz.NumElements(dims[0]*dims[1], dims[0]*dims[1])
		img := fuzzRaster(fz, dims[0], dims[1])
		input := writeInput(t, dir, img)
		want := sobel(img, 60)
		var digests []uint64
		for _, n := range []int{1, 2, 3, 16} {
			job := Job{
				Input:     input,
				Output:    filepath.Join(dir, fmt.Sprintf("out%d.pgm", n)),
				Threshold: 60,
			}
			report, err := runJob(t, n, job)
			assert.NoError(t, err)
			if got := readOutput(t, job.Output).Pix; !bytes.Equal(got, want) {
				t.Errorf("%v, %d ranks: output differs from reference", dims, n)
			}
			digests = append(digests, report.Digest)
		}
		for _, d := range digests[1:] {
			expect.EQ(t, d, digests[0])
		}
	}
}

func TestRunReport(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	img, err := raster.New(8, 8)
	assert.NoError(t, err)
	job := Job{
		Input:     writeInput(t, dir, img),
		Output:    filepath.Join(dir, "out.pgm"),
		PNG:       filepath.Join(dir, "out.png"),
		Threshold: 300,
	}
	report, err := runJob(t, 2, job)
	assert.NoError(t, err)
	expect.True(t, report.Max.Total >= report.Timing.Total)
	expect.True(t, report.Max.Total >= report.Max.Interior)
	expect.EQ(t, report.Block, Block{Start: 0, Rows: 4})
	var phases []string
	for _, s := range report.Spans {
		phases = append(phases, s.Phase)
	}
	expect.EQ(t, phases, []string{"load", "scatter", "interior", "wait", "boundary", "threshold", "gather", "save"})
	expect.True(t, report.Stats["sentmsgs"] > 0)
	expect.EQ(t, report.Stats[StatRows], int64(4))
	expect.EQ(t, report.Stats[StatBlockRows], int64(4))
	_, err = raster.Load(context.Background(), job.PNG)
	expect.NoError(t, err)
}

func TestRunErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	img, err := raster.New(5, 3)
	assert.NoError(t, err)
	input := writeInput(t, dir, img)

	// Decode failure on root aborts every rank.
	_, err = runJob(t, 4, Job{Input: filepath.Join(dir, "missing.png"), Output: filepath.Join(dir, "x.pgm")})
	expect.NotNil(t, err)
	expect.False(t, IsFatal(err))

	// Fewer rows than ranks.
	_, err = runJob(t, 4, Job{Input: input, Output: filepath.Join(dir, "x.pgm")})
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.False(t, IsFatal(err))

	// Unwritable output: the path names an existing directory.
	_, err = runJob(t, 3, Job{Input: input, Output: dir})
	expect.NotNil(t, err)
	expect.False(t, IsFatal(err))
}

func TestRunAllocationFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	img, err := raster.New(64, 64)
	assert.NoError(t, err)
	input := writeInput(t, dir, img)
	max := raster.MaxBytes
	raster.MaxBytes = 1024
	defer func() { raster.MaxBytes = max }()
	_, err = runJob(t, 2, Job{Input: input, Output: filepath.Join(dir, "x.pgm")})
	expect.True(t, IsFatal(err))
}
