// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/internal/trace"
)

// A tracer collects the phase spans reported by the ranks of each run
// of a session. Spans are rendered in the Chrome tracing format and
// can be visualized using its built-in visualization tool
// (chrome://tracing). Each rank is represented as a Chrome "process";
// each run is a "thread" of that process, so that successive runs
// line up under one another.
//
// Ranks may run on different machines, whose clocks are not
// synchronized. Span offsets are therefore relative to the start of
// the rank's first span in the run; the rank's skew relative to root
// is recorded as an argument.
type tracer struct {
	mu     sync.Mutex
	events []trace.Event
	ranks  map[int]bool

	// firstEvent is the wall time at which the first run was traced.
	// Each run is shifted so that it starts at its offset from
	// firstEvent.
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{ranks: make(map[int]bool)}
}

// Report adds the spans of a rank's report for the provided run.
func (t *tracer) Report(run int, report *bigstencil.Report) {
	if t == nil || len(report.Spans) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		now   = time.Now()
		first = report.Spans[0].Start
		end   = report.Spans[len(report.Spans)-1]
		// The rank's spans end approximately now.
		base = now.Add(-end.Start.Add(end.Dur).Sub(first))
	)
	if t.firstEvent.IsZero() {
		t.firstEvent = base
	}
	pid := report.Rank + 1 // pid=0 is reserved for session events
	if !t.ranks[report.Rank] {
		t.ranks[report.Rank] = true
		t.events = append(t.events, trace.Event{
			Pid:  pid,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{
				"name": fmt.Sprintf("rank %d", report.Rank),
			},
		})
	}
	for _, span := range report.Spans {
		ts := base.Add(span.Start.Sub(first)).Sub(t.firstEvent)
		dur := span.Dur.Nanoseconds() / 1e3
		if dur == 0 {
			dur = 1
		}
		event := trace.Event{
			Pid:  pid,
			Tid:  run,
			Ts:   ts.Nanoseconds() / 1e3,
			Ph:   "X",
			Dur:  dur,
			Name: span.Phase,
			Cat:  "phase",
			Args: map[string]interface{}{
				"run":  run,
				"rows": report.Block.Rows,
			},
		}
		if span.Phase == "gather" {
			for k, v := range report.Stats {
				event.Args[k] = v
			}
		}
		t.events = append(t.events, event)
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]trace.Event, len(t.events))
	copy(events, t.events)
	t.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Ts < events[j].Ts
	})
	return (&trace.T{Events: events}).Encode(w)
}
