// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"bytes"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigstencil/raster"
)

// sobel computes the thresholded Sobel magnitude of img directly,
// clamping both coordinates at the image edges.
func sobel(img *raster.Gray, t int) []byte {
	at := func(x, y int) int {
		if x < 0 {
			x = 0
		}
		if x >= img.Width {
			x = img.Width - 1
		}
		if y < 0 {
			y = 0
		}
		if y >= img.Height {
			y = img.Height - 1
		}
		return int(img.At(x, y))
	}
	out := make([]byte, len(img.Pix))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			gx := -at(x-1, y-1) + at(x+1, y-1) - 2*at(x-1, y) + 2*at(x+1, y) - at(x-1, y+1) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) + at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			m := math.Min(255, math.Round(math.Sqrt(float64(gx*gx+gy*gy))))
			out[y*img.Width+x] = byte(m)
		}
	}
	if t >= 0 {
		Threshold(out, t)
	}
	return out
}

// clampedHalo returns a halo buffer holding all of img, clamped at
// the top and bottom as a single rank would.
func clampedHalo(img *raster.Gray) *Halo {
	h, err := NewHalo(img.Width, img.Height)
	if err != nil {
		panic(err)
	}
	copy(h.Real(), img.Pix)
	copy(h.Row(0), h.Row(1))
	copy(h.Row(h.Rows+1), h.Row(h.Rows))
	return h
}

func fuzzRaster(fz *fuzz.Fuzzer, width, height int) *raster.Gray {
	img, err := raster.New(width, height)
	if err != nil {
		panic(err)
	}
	fz.Fuzz(&img.Pix)
	if len(img.Pix) != width*height {
		panic("bad fuzz")
	}
	return img
}

func TestGradient(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	for _, dims := range [][2]int{{1, 1}, {1, 7}, {7, 1}, {2, 2}, {5, 3}, {16, 9}} {
		fz.NilChance(0).NumElements(dims[0]*dims[1], dims[0]*dims[1])
		img := fuzzRaster(fz, dims[0], dims[1])
		out := make([]byte, len(img.Pix))
		Gradient(out, clampedHalo(img), 0, img.Height)
		if got, want := out, sobel(img, -1); !bytes.Equal(got, want) {
			t.Errorf("%v: got %v, want %v", dims, got, want)
		}
	}
}

func TestGradientKnown(t *testing.T) {
	// A vertical step from 0 to 100: the two columns adjacent to the
	// step see gx = 4*100.
	img := &raster.Gray{Width: 4, Height: 3, Pix: []byte{
		0, 0, 100, 100,
		0, 0, 100, 100,
		0, 0, 100, 100,
	}}
	out := make([]byte, len(img.Pix))
	Gradient(out, clampedHalo(img), 0, 3)
	for y := 0; y < 3; y++ {
		if got, want := out[y*4:(y+1)*4], []byte{0, 255, 255, 0}; !bytes.Equal(got, want) {
			t.Errorf("row %d: got %v, want %v", y, got, want)
		}
	}
	// Below saturation, magnitudes are rounded.
	img.Pix = []byte{
		0, 0, 10, 10,
		0, 0, 10, 10,
		0, 0, 10, 10,
	}
	Gradient(out, clampedHalo(img), 1, 2)
	if got, want := out[4:8], []byte{0, 40, 40, 0}; !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEdgeClampUniform(t *testing.T) {
	for _, dims := range [][2]int{{1, 1}, {1, 9}, {9, 1}, {3, 3}} {
		img, err := raster.New(dims[0], dims[1])
		if err != nil {
			t.Fatal(err)
		}
		for i := range img.Pix {
			img.Pix[i] = 173
		}
		out := make([]byte, len(img.Pix))
		for i := range out {
			out[i] = 1
		}
		Gradient(out, clampedHalo(img), 0, img.Height)
		for i, v := range out {
			if v != 0 {
				t.Errorf("%v: pixel %d: got %v, want 0", dims, i, v)
			}
		}
	}
}

func TestInteriorBoundary(t *testing.T) {
	for rows := 1; rows < 20; rows++ {
		seen := make([]int, rows)
		lo, hi := Interior(rows)
		for y := lo; y < hi; y++ {
			seen[y]++
		}
		boundary := Boundary(rows)
		for _, y := range boundary {
			seen[y]++
		}
		for y, n := range seen {
			if n != 1 {
				t.Errorf("rows %d: row %d covered %d times", rows, y, n)
			}
		}
		if rows < 3 && len(boundary) != rows {
			t.Errorf("rows %d: got %v, want every row to be a boundary row", rows, boundary)
		}
		if rows >= 3 && (lo != 1 || hi != rows-1) {
			t.Errorf("rows %d: interior [%d, %d)", rows, lo, hi)
		}
	}
}

func TestThresholdMonotonic(t *testing.T) {
	fz := fuzz.NewWithSeed(2).NilChance(0).NumElements(1000, 1000)
	var mag []byte
	fz.Fuzz(&mag)
	prev := make([]byte, len(mag))
	for th := 0; th <= 256; th++ {
		buf := append([]byte(nil), mag...)
		Threshold(buf, th)
		for i, v := range buf {
			if v != 0 && v != 255 {
				t.Fatalf("threshold %d: pixel %d: got %v", th, i, v)
			}
			if th > 0 && v > prev[i] {
				t.Fatalf("threshold %d: pixel %d turned on", th, i)
			}
		}
		prev = buf
	}
}

func TestClampThreshold(t *testing.T) {
	for _, c := range []struct{ in, want int }{
		{-5, 0}, {0, 0}, {100, 100}, {255, 255}, {1000, 255},
	} {
		if got, want := ClampThreshold(c.in), c.want; got != want {
			t.Errorf("%d: got %v, want %v", c.in, got, want)
		}
	}
}
