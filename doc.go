// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigstencil implements distributed Sobel edge detection over
// a group of ranks that share no memory and communicate only by
// explicit messages (package comm).
//
// The image is partitioned by rows: a Plan assigns each rank a
// contiguous block, with the first height%ranks blocks one row
// larger than the rest. Root (rank 0) decodes the input, broadcasts
// its geometry, and scatters the blocks. Each rank holds its block in
// a Halo buffer framed by one row from each vertical neighbor.
//
// The halo exchange is non-blocking. A rank posts it, computes the
// rows of its block that do not depend on halo data (the interior),
// and only then waits for the exchange to complete before computing
// its first and last rows (the boundary). The per-rank Timing records
// how long the interior took and how long the rank then waited; a
// wait near zero means communication was entirely hidden behind
// computation.
//
// After thresholding, root gathers the blocks back into a raster,
// writes it as a binary PGM, and receives the fieldwise maximum of
// the ranks' timings.
//
// Run is the rank program. It is transport-agnostic: package exec
// runs it over goroutines in a single process, or over a cluster of
// bigmachine machines, one per rank.
package bigstencil
