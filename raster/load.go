// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"bufio"
	"context"
	"image"
	// Standard library decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
	// Additional decoders so that inputs need not be converted first.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Load reads and decodes the image at path, converting it to
// grayscale. Any format registered with package image is accepted,
// which includes PNG, JPEG, GIF, BMP, TIFF, WebP and binary PGM.
func Load(ctx context.Context, path string) (*Gray, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("%s: close: %v", path, err)
		}
	}()
	img, format, err := image.Decode(bufio.NewReader(f.Reader(ctx)))
	if err != nil {
		return nil, errors.E(errors.Invalid, "decode "+path, err)
	}
	g, err := FromImage(img)
	if err != nil {
		return nil, errors.E("decode "+path, err)
	}
	log.Debug.Printf("loaded %s: %s %dx%d", path, format, g.Width, g.Height)
	return g, nil
}

// Save writes g to path as a binary PGM raster. If writing fails,
// the partially written file is discarded.
func Save(ctx context.Context, path string, g *Gray) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E("save "+path, err)
	}
	w := bufio.NewWriter(f.Writer(ctx))
	if err = Encode(w, g); err == nil {
		err = w.Flush()
	}
	if err != nil {
		f.Discard(ctx)
		return errors.E("save "+path, err)
	}
	if err = f.Close(ctx); err != nil {
		return errors.E("save "+path, err)
	}
	return nil
}

// Digest returns a 64-bit digest of the raster's dimensions and
// samples. Rasters with equal digests are, with high probability,
// identical.
func Digest(g *Gray) uint64 {
	h := murmur3.New64()
	var dims [16]byte
	for i := 0; i < 8; i++ {
		dims[i] = byte(uint64(g.Width) >> (8 * uint(i)))
		dims[8+i] = byte(uint64(g.Height) >> (8 * uint(i)))
	}
	h.Write(dims[:])
	h.Write(g.Pix[:g.Width*g.Height])
	return h.Sum64()
}
