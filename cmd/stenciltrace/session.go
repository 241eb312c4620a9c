// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil/internal/trace"
)

// span is a single phase executed by one rank in one run.
type span struct {
	run   int
	rank  int
	phase string
	rows  int
	// start is measured as an offset from the start of tracing.
	start    time.Duration
	duration time.Duration
	stats    map[string]int64
}

// phaseStat summarizes one phase of a run across its ranks.
type phaseStat struct {
	run   int
	phase string
	ranks int
	// start is the earliest start of the phase on any rank.
	start time.Duration
	// wall is the time from the first rank entering the phase to the
	// last rank leaving it.
	wall  time.Duration
	total time.Duration
	summary
}

// runStat summarizes a whole run.
type runStat struct {
	run      int
	ranks    int
	rows     int
	interior time.Duration
	wait     time.Duration
	stats    string
}

// Overlap returns the fraction of halo exchange time hidden behind
// interior computation, summed over ranks.
func (r runStat) Overlap() float64 {
	if r.interior+r.wait == 0 {
		return 0
	}
	return float64(r.interior) / float64(r.interior+r.wait)
}

// session is a trace written by a bigstencil session, interpreted for
// display.
type session struct {
	rankNames  map[int]string
	spans      []span
	runs       []runStat
	phaseStats []phaseStat
}

func newSession(events []trace.Event) *session {
	spans := buildSpans(events)
	return &session{
		rankNames:  buildRankNames(events),
		spans:      spans,
		runs:       buildRuns(spans),
		phaseStats: buildPhaseStats(spans),
	}
}

// Runs returns the runs of s, ordered by run number.
func (s *session) Runs() []runStat {
	return s.runs
}

// PhaseStats returns the phase statistics of the provided run, in the
// order the phases started.
func (s *session) PhaseStats(run int) []phaseStat {
	var stats []phaseStat
	for _, stat := range s.phaseStats {
		if stat.run == run {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].start != stats[j].start {
			return stats[i].start < stats[j].start
		}
		return stats[i].phase < stats[j].phase
	})
	return stats
}

// LongestWait returns the rank that spent the most time waiting for
// halos in the provided run, and that time. It returns -1 if the run
// has no wait spans.
func (s *session) LongestWait(run int) (rank int, wait time.Duration) {
	rank = -1
	for _, sp := range s.spans {
		if sp.run != run || sp.phase != "wait" {
			continue
		}
		if rank < 0 || sp.duration > wait {
			rank, wait = sp.rank, sp.duration
		}
	}
	return
}

// RankName returns the display name of a rank.
func (s *session) RankName(rank int) string {
	if name, ok := s.rankNames[rank]; ok {
		return name
	}
	return fmt.Sprintf("rank %d", rank)
}

func buildRankNames(events []trace.Event) map[int]string {
	names := make(map[int]string)
	for _, event := range events {
		if event.Ph != "M" || event.Name != "process_name" {
			continue
		}
		name, ok := event.Args["name"].(string)
		if !ok {
			log.Printf("could not parse process name: %#v", event)
			continue
		}
		names[event.Pid-1] = name
	}
	return names
}

func buildSpans(events []trace.Event) []span {
	var spans []span
	for _, event := range events {
		if event.Ph != "X" || event.Cat != "phase" {
			continue
		}
		if event.Pid < 1 {
			log.Printf("unexpected pid: %#v", event)
			continue
		}
		s := span{
			run:      event.Tid,
			rank:     event.Pid - 1,
			phase:    event.Name,
			start:    time.Duration(event.Ts * 1e3),
			duration: time.Duration(event.Dur * 1e3),
		}
		for k, v := range event.Args {
			f, ok := v.(float64)
			if !ok {
				log.Printf("could not parse argument %s of %#v", k, event)
				continue
			}
			switch k {
			case "run":
			case "rows":
				s.rows = int(f)
			default:
				if s.stats == nil {
					s.stats = make(map[string]int64)
				}
				s.stats[k] = int64(f)
			}
		}
		spans = append(spans, s)
	}
	return spans
}

func buildRuns(spans []span) []runStat {
	type accum struct {
		ranks map[int]bool
		rows  int
		runStat
		stats map[string]int64
	}
	accums := make(map[int]*accum)
	for _, s := range spans {
		a, ok := accums[s.run]
		if !ok {
			a = &accum{
				ranks: make(map[int]bool),
				stats: make(map[string]int64),
			}
			a.run = s.run
			accums[s.run] = a
		}
		if !a.ranks[s.rank] {
			a.ranks[s.rank] = true
			a.rows += s.rows
		}
		switch s.phase {
		case "interior":
			a.interior += s.duration
		case "wait":
			a.wait += s.duration
		}
		for k, v := range s.stats {
			a.stats[k] += v
		}
	}
	runs := make([]runStat, 0, len(accums))
	for _, a := range accums {
		r := a.runStat
		r.ranks = len(a.ranks)
		r.rows = a.rows
		r.stats = formatStats(a.stats)
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].run < runs[j].run })
	return runs
}

func buildPhaseStats(spans []span) []phaseStat {
	type runPhase struct {
		run   int
		phase string
	}
	type accum struct {
		minStart  time.Duration
		maxEnd    time.Duration
		durations []time.Duration
		total     time.Duration
	}
	accums := make(map[runPhase]*accum)
	for _, s := range spans {
		key := runPhase{s.run, s.phase}
		a, ok := accums[key]
		if !ok {
			a = &accum{minStart: 1<<63 - 1}
			accums[key] = a
		}
		if s.start < a.minStart {
			a.minStart = s.start
		}
		if end := s.start + s.duration; a.maxEnd < end {
			a.maxEnd = end
		}
		a.durations = append(a.durations, s.duration)
		a.total += s.duration
	}
	stats := make([]phaseStat, 0, len(accums))
	for key, a := range accums {
		// a.durations is non-empty: a exists only once a span was added.
		stats = append(stats, phaseStat{
			run:     key.run,
			phase:   key.phase,
			ranks:   len(a.durations),
			start:   a.minStart,
			wall:    a.maxEnd - a.minStart,
			total:   a.total,
			summary: summarize(a.durations),
		})
	}
	return stats
}

// formatStats renders stats in key order, truncated for display.
func formatStats(stats map[string]int64) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	elems := make([]string, len(keys))
	for i, k := range keys {
		elems[i] = fmt.Sprintf("%s:%d", k, stats[k])
	}
	return truncatef(strings.Join(elems, " "))
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(80)
	fmt.Fprint(b, v)
	return b.String()
}
