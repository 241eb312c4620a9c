// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

// DefaultThreshold is the binarization cutoff used when none is
// provided.
const DefaultThreshold = 100

// Threshold binarizes buf in place: values at or above t become 255;
// everything else becomes 0.
func Threshold(buf []byte, t int) {
	for i, v := range buf {
		if int(v) >= t {
			buf[i] = 255
		} else {
			buf[i] = 0
		}
	}
}

// ClampThreshold clamps t to the range of an 8-bit sample.
func ClampThreshold(t int) int {
	switch {
	case t < 0:
		return 0
	case t > 255:
		return 255
	}
	return t
}
