// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import "fmt"

// A Block is the contiguous range of image rows owned by one rank.
type Block struct {
	// Start is the absolute index of the block's first row.
	Start int
	// Rows is the number of rows in the block.
	Rows int
}

// End returns the index one past the block's last row.
func (b Block) End() int { return b.Start + b.Rows }

// A Plan partitions the rows of an image among the ranks of a group.
// The first height%ranks blocks receive one row more than the rest;
// blocks are disjoint, contiguous, ascending by rank, and together
// cover every row exactly once.
//
// The same plan is used to scatter input rows and to gather output
// rows, so that every row returns to the absolute index it came from.
type Plan struct {
	Width, Height int
	blocks        []Block
}

// NewPlan plans the partition of an image with the provided
// dimensions among the provided number of ranks. NewPlan returns an
// invalid geometry error if any dimension is non-positive or if
// there are fewer rows than ranks: every rank must own at least one
// row.
func NewPlan(height, width, ranks int) (*Plan, error) {
	switch {
	case height < 1 || width < 1:
		return nil, invalidGeometry(fmt.Sprintf("image dimensions %dx%d", width, height))
	case ranks < 1:
		return nil, invalidGeometry(fmt.Sprintf("%d ranks", ranks))
	case height < ranks:
		return nil, invalidGeometry(fmt.Sprintf("%d rows cannot be divided among %d ranks", height, ranks))
	}
	var (
		base   = height / ranks
		rem    = height % ranks
		blocks = make([]Block, ranks)
		start  int
	)
	for r := range blocks {
		rows := base
		if r < rem {
			rows++
		}
		blocks[r] = Block{Start: start, Rows: rows}
		start += rows
	}
	return &Plan{Width: width, Height: height, blocks: blocks}, nil
}

// Ranks returns the number of ranks in the plan.
func (p *Plan) Ranks() int { return len(p.blocks) }

// Block returns the block owned by the provided rank.
func (p *Plan) Block(rank int) Block { return p.blocks[rank] }

// Counts returns, for each rank, the number of bytes in its block.
func (p *Plan) Counts() []int {
	counts := make([]int, len(p.blocks))
	for r, b := range p.blocks {
		counts[r] = b.Rows * p.Width
	}
	return counts
}

// Displs returns, for each rank, the byte offset of its block in the
// full image.
func (p *Plan) Displs() []int {
	displs := make([]int, len(p.blocks))
	for r, b := range p.blocks {
		displs[r] = b.Start * p.Width
	}
	return displs
}

// Owner returns the rank that owns the provided row.
func (p *Plan) Owner(row int) int {
	lo, hi := 0, len(p.blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if p.blocks[mid].End() <= row {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan(%dx%d, %d ranks, %d..%d rows)",
		p.Width, p.Height, len(p.blocks), p.blocks[len(p.blocks)-1].Rows, p.blocks[0].Rows)
}
