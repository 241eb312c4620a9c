// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"sort"
	"time"
)

// A summary is the five-number summary of a set of durations.
type summary struct {
	min, q1, q2, q3, max time.Duration
}

// summarize returns the summary of ds, computing quartiles with
// Tukey's method: q2 is the median; q1 and q3 are the medians of the
// lower and upper halves, both of which include q2 when len(ds) is
// odd. Ds is sorted in place and must be non-empty.
func summarize(ds []time.Duration) summary {
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	n := len(ds)
	half := (n + 1) / 2
	s := summary{
		min: ds[0],
		q2:  median(ds),
		max: ds[n-1],
	}
	s.q1 = median(ds[:half])
	s.q3 = median(ds[n-half:])
	return s
}

// median returns the median of the sorted, non-empty ds.
func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}
