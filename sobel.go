// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import "math"

// Gradient computes the Sobel gradient magnitude of the local rows
// [lo, hi) of h into the corresponding rows of dst, which holds
// h.Rows rows of h.Width bytes. Each output row reads the real row
// at the same index together with the rows directly above and below
// it in the halo buffer; columns outside the image are clamped to
// the nearest edge column.
func Gradient(dst []byte, h *Halo, lo, hi int) {
	w := h.Width
	for y := lo; y < hi; y++ {
		var (
			above = h.Row(y)
			row   = h.Row(y + 1)
			below = h.Row(y + 2)
			out   = dst[y*w : (y+1)*w]
		)
		for x := 0; x < w; x++ {
			xm1, xp1 := x-1, x+1
			if xm1 < 0 {
				xm1 = 0
			}
			if xp1 >= w {
				xp1 = w - 1
			}
			var (
				p00, p01, p02 = int(above[xm1]), int(above[x]), int(above[xp1])
				p10, p12      = int(row[xm1]), int(row[xp1])
				p20, p21, p22 = int(below[xm1]), int(below[x]), int(below[xp1])
			)
			gx := -p00 + p02 - 2*p10 + 2*p12 - p20 + p22
			gy := -p00 - 2*p01 - p02 + p20 + 2*p21 + p22
			out[x] = magnitude(gx, gy)
		}
	}
}

func magnitude(gx, gy int) byte {
	m := math.Round(math.Sqrt(float64(gx*gx + gy*gy)))
	if m > 255 {
		return 255
	}
	return byte(m)
}

// Interior returns the range [lo, hi) of local rows that can be
// computed from real rows alone, without halo data. Blocks of fewer
// than three rows have no interior rows.
func Interior(rows int) (lo, hi int) {
	if rows < 3 {
		return 0, 0
	}
	return 1, rows - 1
}

// Boundary returns the local rows whose computation depends on halo
// data: the first and last rows, or every row of a block with fewer
// than three rows.
func Boundary(rows int) []int {
	switch {
	case rows <= 0:
		return nil
	case rows == 1:
		return []int{0}
	default:
		// Both rows of a two-row block are boundary rows.
		return []int{0, rows - 1}
	}
}
