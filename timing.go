// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/bigstencil/comm"
)

// Timing records the compute phases of a single rank. All intervals
// are measured from the moment the halo exchange was posted.
type Timing struct {
	// Total is the time until the boundary rows were computed.
	Total time.Duration
	// Interior is the time spent computing interior rows, during
	// which the halo exchange was in flight.
	Interior time.Duration
	// Wait is the time spent blocked on the halo exchange after the
	// interior rows were done.
	Wait time.Duration
}

// Max returns the fieldwise maximum of t and u.
func (t Timing) Max(u Timing) Timing {
	if u.Total > t.Total {
		t.Total = u.Total
	}
	if u.Interior > t.Interior {
		t.Interior = u.Interior
	}
	if u.Wait > t.Wait {
		t.Wait = u.Wait
	}
	return t
}

func (t Timing) String() string {
	return fmt.Sprintf("total %s interior %s wait %s", t.Total, t.Interior, t.Wait)
}

// ReduceTiming reduces the timings of every rank in the group onto
// root with a fieldwise max: the job is only as fast as its slowest
// rank. Root receives the reduced timing; other ranks receive their
// own.
func ReduceTiming(ctx context.Context, c comm.Comm, t Timing, root int) (Timing, error) {
	vals := []float64{float64(t.Total), float64(t.Interior), float64(t.Wait)}
	max, err := comm.ReduceMax(ctx, c, vals, root)
	if err != nil || max == nil {
		return t, err
	}
	return Timing{
		Total:    time.Duration(max[0]),
		Interior: time.Duration(max[1]),
		Wait:     time.Duration(max[2]),
	}, nil
}
