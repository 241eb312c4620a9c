// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package raster implements the image collaborator used by stencil
// jobs: decoding standard picture formats into flat 8-bit grayscale
// buffers, and encoding results as binary PGM rasters. Paths are
// resolved with GRAIL's file library, so they may refer to local
// files or to objects in S3.
package raster

import (
	"fmt"
	"image"
	"image/color"

	"github.com/grailbio/base/errors"
)

// MaxBytes is the largest buffer that Alloc will allocate. Requests
// beyond it are treated as allocation failures.
var MaxBytes int64 = 16 << 30

// Alloc allocates a zeroed buffer of n bytes. It returns a fatal
// error if n is negative or exceeds MaxBytes.
func Alloc(n int) ([]byte, error) {
	if n < 0 || int64(n) > MaxBytes {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("allocate %d bytes: exceeds limit of %d bytes", n, MaxBytes))
	}
	return make([]byte, n), nil
}

// Gray is an 8-bit grayscale raster stored row-major, top row first,
// with no padding between rows.
type Gray struct {
	Width, Height int
	Pix           []byte
}

// New returns a zeroed raster of the provided dimensions.
func New(width, height int) (*Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid raster dimensions %dx%d", width, height))
	}
	if int64(height) > MaxBytes/int64(width) {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("allocate %dx%d raster: exceeds limit of %d bytes", width, height, MaxBytes))
	}
	pix, err := Alloc(width * height)
	if err != nil {
		return nil, err
	}
	return &Gray{Width: width, Height: height, Pix: pix}, nil
}

// Row returns row y of the raster.
func (g *Gray) Row(y int) []byte {
	return g.Pix[y*g.Width : (y+1)*g.Width]
}

// At returns the sample at (x, y).
func (g *Gray) At(x, y int) byte {
	return g.Pix[y*g.Width+x]
}

// Set sets the sample at (x, y).
func (g *Gray) Set(x, y int, v byte) {
	g.Pix[y*g.Width+x] = v
}

// Image returns an image.Gray that shares g's pixels.
func (g *Gray) Image() *image.Gray {
	return &image.Gray{
		Pix:    g.Pix,
		Stride: g.Width,
		Rect:   image.Rect(0, 0, g.Width, g.Height),
	}
}

// FromImage converts img to a grayscale raster using the luminance
// weights of color.GrayModel. The image's origin is moved to (0, 0).
func FromImage(img image.Image) (*Gray, error) {
	b := img.Bounds()
	g, err := New(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < g.Height; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(g.Row(y), src.Pix[off:off+g.Width])
		}
		return g, nil
	}
	for y := 0; y < g.Height; y++ {
		row := g.Row(y)
		for x := range row {
			row[x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return g, nil
}
