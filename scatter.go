// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil/comm"
)

// Root is the rank that holds the full image.
const Root = 0

// ScatterRows distributes the rows of the full image held by root
// according to plan: each rank receives its block into the real rows
// of h. Full is significant only on root; other ranks pass nil.
// ScatterRows is collective and returns only after every rank has
// received its block.
func ScatterRows(ctx context.Context, c comm.Comm, plan *Plan, full []byte, h *Halo) error {
	if err := checkPlan(c, plan, h.Width, h.Rows); err != nil {
		return err
	}
	if c.Rank() == Root && len(full) != plan.Width*plan.Height {
		return errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("scatter: image has %d bytes, plan expects %d", len(full), plan.Width*plan.Height))
	}
	if err := comm.Scatterv(ctx, c, full, plan.Counts(), plan.Displs(), h.Real(), Root); err != nil {
		return err
	}
	return comm.Barrier(ctx, c, Root)
}

// GatherRows is the inverse of ScatterRows: each rank's local output
// rows are placed at their absolute row indices in full on root.
// Full is significant only on root.
func GatherRows(ctx context.Context, c comm.Comm, plan *Plan, local []byte, full []byte) error {
	if err := checkPlan(c, plan, plan.Width, len(local)/plan.Width); err != nil {
		return err
	}
	if c.Rank() == Root && len(full) != plan.Width*plan.Height {
		return errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("gather: image has %d bytes, plan expects %d", len(full), plan.Width*plan.Height))
	}
	if err := comm.Gatherv(ctx, c, local, full, plan.Counts(), plan.Displs(), Root); err != nil {
		return err
	}
	return comm.Barrier(ctx, c, Root)
}

// checkPlan verifies that the plan was made for this group and that
// the local buffer matches the rank's block.
func checkPlan(c comm.Comm, plan *Plan, width, rows int) error {
	if plan.Ranks() != c.Size() {
		return errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("plan for %d ranks used in a group of %d", plan.Ranks(), c.Size()))
	}
	if b := plan.Block(c.Rank()); width != plan.Width || rows != b.Rows {
		return errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("rank %d: local buffer is %dx%d, block is %dx%d", c.Rank(), width, rows, plan.Width, b.Rows))
	}
	return nil
}
