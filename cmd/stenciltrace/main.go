// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Command stenciltrace summarizes a trace file written by a bigstencil
session (see the -trace flag of sobel).

Usage:

	stenciltrace <trace.json>

For each run in the trace, stenciltrace prints the number of ranks,
the fraction of halo exchange time that was overlapped with interior
computation, the aggregate communication statistics, and a table of
per-phase durations across ranks:

	phase      ranks  start    wall      total     min       q1        q2        q3        max
	load       1      0s       2.1ms     2.1ms     2.1ms     2.1ms     2.1ms     2.1ms     2.1ms
	scatter    4      2.1ms    1.2ms     3.9ms     0.8ms     0.9ms     1ms       1.1ms     1.2ms
	...

The trace may reside on any file system supported by
github.com/grailbio/base/file, including S3.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil/internal/trace"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(awssession.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <trace.json>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	ctx := context.Background()
	t, err := readTrace(ctx, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	writeSession(os.Stdout, newSession(t.Events))
}

func readTrace(ctx context.Context, path string) (_ *trace.T, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	var t trace.T
	if err := t.Decode(f.Reader(ctx)); err != nil {
		return nil, errors.E(errors.Invalid, "decode "+path, err)
	}
	return &t, nil
}

func writeSession(w io.Writer, s *session) {
	for i, run := range s.Runs() {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "# run %d: %d ranks, %d rows, overlap %.1f%%\n",
			run.run, run.ranks, run.rows, 100*run.Overlap())
		if run.stats != "" {
			fmt.Fprintf(w, "# stats: %s\n", run.stats)
		}
		if rank, wait := s.LongestWait(run.run); rank >= 0 {
			fmt.Fprintf(w, "# longest wait: %s (%s)\n", s.RankName(rank), round(wait))
		}
		tw := tabwriter.NewWriter(w, 4, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "phase\tranks\tstart\twall\ttotal\tmin\tq1\tq2\tq3\tmax")
		for _, stat := range s.PhaseStats(run.run) {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				stat.phase, stat.ranks,
				round(stat.start), round(stat.wall), round(stat.total),
				round(stat.min), round(stat.q1), round(stat.q2), round(stat.q3), round(stat.max),
			)
		}
		tw.Flush()
	}
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Microsecond)
}
