// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/internal/trace"
	"github.com/grailbio/bigstencil/raster"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func init() {
	log.AddFlags()
}

var executors = map[string]func() Option{
	"Local":           func() Option { return Local },
	"Bigmachine.Test": func() Option { return Bigmachine(testsystem.New()) },
}

func testSession(t *testing.T, n int, run func(t *testing.T, sess *Session), opts ...Option) {
	t.Helper()
	for name, opt := range executors {
		t.Run(name, func(t *testing.T) {
			sess := Start(append([]Option{opt(), Ranks(n)}, opts...)...)
			defer sess.Shutdown()
			run(t, sess)
		})
	}
}

// testImage returns a raster with a few edges in it.
func testImage(width, height int) *raster.Gray {
	img, err := raster.New(width, height)
	if err != nil {
		panic(err)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			switch {
			case x == width/3:
				img.Set(x, y, 250)
			case y > height/2:
				img.Set(x, y, 90)
			case (x+y)%7 == 0:
				img.Set(x, y, 40)
			}
		}
	}
	return img
}

func writeImage(t *testing.T, dir string, img *raster.Gray) string {
	t.Helper()
	path := filepath.Join(dir, "input.pgm")
	assert.NoError(t, raster.Save(context.Background(), path, img))
	return path
}

func TestSessionRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	input := writeImage(t, dir, testImage(31, 23))

	// The single-rank output is the reference.
	ref := Start(Local, Ranks(1))
	defer ref.Shutdown()
	refJob := bigstencil.Job{Input: input, Output: filepath.Join(dir, "ref.pgm"), Threshold: 50}
	want := ref.Must(context.Background(), refJob).Root().Digest

	testSession(t, 5, func(t *testing.T, sess *Session) {
		job := bigstencil.Job{
			Input:     input,
			Output:    filepath.Join(dir, "out-"+filepath.Base(t.Name())+".pgm"),
			Threshold: 50,
		}
		res, err := sess.Run(context.Background(), job)
		assert.NoError(t, err)
		expect.EQ(t, len(res.Reports), 5)
		expect.EQ(t, res.Root().Digest, want)
		for rank, report := range res.Reports {
			expect.EQ(t, report.Rank, rank)
			expect.True(t, res.Max.Total >= report.Timing.Total)
		}
		expect.EQ(t, res.Root().Max, res.Max)
		expect.True(t, res.Stats["sentbytes"] >= int64(31*23))
		// 23 rows over 5 ranks: blocks of 5, 5, 5, 4, 4.
		expect.EQ(t, res.Stats[bigstencil.StatRows], int64(23))
		expect.EQ(t, res.MaxStats[bigstencil.StatBlockRows], int64(5))

		out, err := raster.Load(context.Background(), job.Output)
		assert.NoError(t, err)
		expect.EQ(t, raster.Digest(out), want)

		// Sessions run successive jobs on the same group.
		res, err = sess.Run(context.Background(), job)
		assert.NoError(t, err)
		expect.EQ(t, res.Root().Digest, want)
		stats := sess.Stats()
		expect.EQ(t, stats[bigstencil.StatRows], int64(46))
		stats[bigstencil.StatRows] = 0
		expect.EQ(t, sess.Stats()[bigstencil.StatRows], int64(46))
	})
}

func TestSessionErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	input := writeImage(t, dir, testImage(8, 3))
	testSession(t, 4, func(t *testing.T, sess *Session) {
		ctx := context.Background()
		_, err := sess.Run(ctx, bigstencil.Job{Input: filepath.Join(dir, "missing.png"), Output: filepath.Join(dir, "x.pgm")})
		expect.NotNil(t, err)
		expect.False(t, bigstencil.IsFatal(err))

		// 3 rows cannot be divided among 4 ranks.
		_, err = sess.Run(ctx, bigstencil.Job{Input: input, Output: filepath.Join(dir, "x.pgm")})
		expect.True(t, errors.Is(errors.Invalid, err))

		// The group is still usable after an aborted job.
		big := writeImage(t, dir, testImage(8, 8))
		_, err = sess.Run(ctx, bigstencil.Job{Input: big, Output: filepath.Join(dir, "x.pgm")})
		expect.NoError(t, err)
	})
}

type eventRecorder struct {
	eventlog.Nop
	mu     sync.Mutex
	events []string
}

func (e *eventRecorder) Event(typ string, fields ...interface{}) {
	e.mu.Lock()
	e.events = append(e.events, typ)
	e.mu.Unlock()
}

func TestSessionEvents(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		events eventRecorder
		st     status.Status
	)
	sess := Start(Local, Ranks(2), Eventer(&events), Status(&st))
	defer sess.Shutdown()
	job := bigstencil.Job{Input: writeImage(t, dir, testImage(4, 4)), Output: filepath.Join(dir, "out.pgm")}
	sess.Must(context.Background(), job)
	expect.EQ(t, events.events, []string{"bigstencil:sessionStart", "bigstencil:runDone"})
	expect.EQ(t, len(st.Groups()), 1)
}

func TestSessionTrace(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "trace.json")
	sess := Start(Local, Ranks(3), TracePath(path))
	job := bigstencil.Job{Input: writeImage(t, dir, testImage(9, 9)), Output: filepath.Join(dir, "out.pgm")}
	sess.Must(context.Background(), job)
	sess.Must(context.Background(), job)
	sess.Shutdown()

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	var tr trace.T
	assert.NoError(t, tr.Decode(f))
	phases := tr.Phases()
	for _, phase := range []string{"scatter", "interior", "wait", "boundary", "threshold", "gather"} {
		// Three ranks, two runs.
		if got, want := len(phases[phase]), 6; got != want {
			t.Errorf("%s: got %v, want %v", phase, got, want)
		}
	}
	expect.EQ(t, len(phases["load"]), 2)
	expect.EQ(t, len(phases["save"]), 2)
	var names int
	for _, event := range tr.Events {
		if event.Ph == "M" {
			names++
		}
	}
	expect.EQ(t, names, 3)
}

func TestSessionDebug(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sess := Start(Local, Ranks(2))
	defer sess.Shutdown()
	job := bigstencil.Job{Input: writeImage(t, dir, testImage(4, 4)), Output: filepath.Join(dir, "out.pgm")}
	sess.Must(context.Background(), job)
	var b bytes.Buffer
	assert.NoError(t, sess.tracer.Marshal(&b))
	var tr trace.T
	assert.NoError(t, tr.Decode(&b))
	expect.EQ(t, len(tr.Phases()["interior"]), 2)
}
