// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/bigstencil/internal/trace"
)

func phaseEvent(rank, run int, phase string, ts, dur int64, args map[string]interface{}) trace.Event {
	if args == nil {
		args = make(map[string]interface{})
	}
	args["run"] = run
	return trace.Event{
		Pid:  rank + 1,
		Tid:  run,
		Ts:   ts,
		Ph:   "X",
		Dur:  dur,
		Name: phase,
		Cat:  "phase",
		Args: args,
	}
}

// testTrace returns a two-rank, single-run trace, passed through JSON
// as it would be when read from a file.
func testTrace(t *testing.T) *trace.T {
	t.Helper()
	in := trace.T{Events: []trace.Event{
		{Pid: 1, Ph: "M", Name: "process_name", Args: map[string]interface{}{"name": "rank 0"}},
		{Pid: 2, Ph: "M", Name: "process_name", Args: map[string]interface{}{"name": "rank 1"}},
		phaseEvent(0, 1, "scatter", 0, 10, map[string]interface{}{"rows": 3}),
		phaseEvent(1, 1, "scatter", 2, 12, map[string]interface{}{"rows": 2}),
		phaseEvent(0, 1, "interior", 10, 30, nil),
		phaseEvent(1, 1, "interior", 14, 20, nil),
		phaseEvent(0, 1, "wait", 40, 2, nil),
		phaseEvent(1, 1, "wait", 34, 8, nil),
		phaseEvent(0, 1, "gather", 50, 5, map[string]interface{}{"sentmsgs": 4}),
		phaseEvent(1, 1, "gather", 50, 5, map[string]interface{}{"sentmsgs": 3}),
	}}
	var b bytes.Buffer
	if err := in.Encode(&b); err != nil {
		t.Fatal(err)
	}
	var out trace.T
	if err := out.Decode(&b); err != nil {
		t.Fatal(err)
	}
	return &out
}

func TestSessionRuns(t *testing.T) {
	s := newSession(testTrace(t).Events)
	runs := s.Runs()
	if got, want := len(runs), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	r := runs[0]
	if got, want := r.ranks, 2; got != want {
		t.Errorf("ranks: got %v, want %v", got, want)
	}
	if got, want := r.rows, 5; got != want {
		t.Errorf("rows: got %v, want %v", got, want)
	}
	if got, want := r.interior, 50*time.Microsecond; got != want {
		t.Errorf("interior: got %v, want %v", got, want)
	}
	if got, want := r.wait, 10*time.Microsecond; got != want {
		t.Errorf("wait: got %v, want %v", got, want)
	}
	if got, want := r.stats, "sentmsgs:7"; got != want {
		t.Errorf("stats: got %q, want %q", got, want)
	}
	if got, want := r.Overlap(), 50.0/60.0; got != want {
		t.Errorf("overlap: got %v, want %v", got, want)
	}
	rank, wait := s.LongestWait(1)
	if rank != 1 || wait != 8*time.Microsecond {
		t.Errorf("longest wait: got %v %v, want 1 8µs", rank, wait)
	}
	if got, want := s.RankName(1), "rank 1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if rank, _ := s.LongestWait(2); rank != -1 {
		t.Errorf("got %v, want -1", rank)
	}
}

func TestSessionPhaseStats(t *testing.T) {
	s := newSession(testTrace(t).Events)
	stats := s.PhaseStats(1)
	var phases []string
	for _, stat := range stats {
		phases = append(phases, stat.phase)
	}
	if got, want := strings.Join(phases, ","), "scatter,interior,wait,gather"; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	scatter := stats[0]
	if got, want := scatter.ranks, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := scatter.wall, 14*time.Microsecond; got != want {
		t.Errorf("wall: got %v, want %v", got, want)
	}
	if got, want := scatter.total, 22*time.Microsecond; got != want {
		t.Errorf("total: got %v, want %v", got, want)
	}
	if scatter.min != 10*time.Microsecond || scatter.q2 != 11*time.Microsecond || scatter.max != 12*time.Microsecond {
		t.Errorf("unexpected summary %+v", scatter.summary)
	}
}

func TestWriteSession(t *testing.T) {
	var b bytes.Buffer
	writeSession(&b, newSession(testTrace(t).Events))
	out := b.String()
	for _, want := range []string{
		"# run 1: 2 ranks, 5 rows, overlap 83.3%",
		"# stats: sentmsgs:7",
		"# longest wait: rank 1 (8µs)",
		"phase",
		"interior",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
