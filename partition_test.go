// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestPlanCompleteness(t *testing.T) {
	for height := 1; height <= 40; height++ {
		for ranks := 1; ranks <= height; ranks++ {
			plan, err := NewPlan(height, 3, ranks)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := plan.Ranks(), ranks; got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
			var (
				next  int
				extra = height % ranks
			)
			for r := 0; r < ranks; r++ {
				b := plan.Block(r)
				if b.Start != next {
					t.Errorf("%s: block %d starts at %d, want %d", plan, r, b.Start, next)
				}
				want := height / ranks
				if r < extra {
					want++
				}
				if b.Rows != want {
					t.Errorf("%s: block %d has %d rows, want %d", plan, r, b.Rows, want)
				}
				next = b.End()
			}
			if got, want := next, height; got != want {
				t.Errorf("%s: got %v, want %v", plan, got, want)
			}
		}
	}
}

func TestPlanLayout(t *testing.T) {
	plan, err := NewPlan(10, 7, 4)
	if err != nil {
		t.Fatal(err)
	}
	var (
		counts = plan.Counts()
		displs = plan.Displs()
	)
	wantCounts := []int{21, 21, 14, 14}
	wantDispls := []int{0, 21, 42, 56}
	for r := range counts {
		if got, want := counts[r], wantCounts[r]; got != want {
			t.Errorf("count %d: got %v, want %v", r, got, want)
		}
		if got, want := displs[r], wantDispls[r]; got != want {
			t.Errorf("displ %d: got %v, want %v", r, got, want)
		}
	}
}

func TestPlanOwner(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for i := 0; i < 100; i++ {
		var height, ranks uint8
		fz.Fuzz(&height)
		fz.Fuzz(&ranks)
		if height == 0 || ranks == 0 || ranks > height {
			continue
		}
		plan, err := NewPlan(int(height), 1, int(ranks))
		if err != nil {
			t.Fatal(err)
		}
		for row := 0; row < int(height); row++ {
			b := plan.Block(plan.Owner(row))
			if row < b.Start || row >= b.End() {
				t.Errorf("%s: row %d assigned to block %v", plan, row, b)
			}
		}
	}
}

func TestPlanInvalidGeometry(t *testing.T) {
	for _, c := range []struct{ height, width, ranks int }{
		{0, 4, 1},
		{4, 0, 1},
		{4, 4, 0},
		{3, 4, 4},
		{-1, 4, 1},
	} {
		_, err := NewPlan(c.height, c.width, c.ranks)
		if err == nil {
			t.Errorf("%v: expected error", c)
			continue
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want invalid", c, err)
		}
		if IsFatal(err) {
			t.Errorf("%v: geometry errors are not fatal", c)
		}
	}
}
