// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/grailbio/base/errors"
)

// pgmMagic identifies binary grayscale PGM rasters.
const pgmMagic = "P5"

func init() {
	image.RegisterFormat("pgm", pgmMagic, decodeImage, decodeConfig)
}

// Encode writes g to w as a binary PGM raster: the magic "P5", a line
// with the width and height, a line with the maximum sample value
// 255, and then the raw samples, row-major, with no padding.
func Encode(w io.Writer, g *Gray) error {
	if _, err := fmt.Fprintf(w, "%s\n%d %d\n255\n", pgmMagic, g.Width, g.Height); err != nil {
		return err
	}
	_, err := w.Write(g.Pix[:g.Width*g.Height])
	return err
}

// Decode reads a binary PGM raster with a maximum sample value of at
// most 255. Header comments are permitted.
func Decode(r io.Reader) (*Gray, error) {
	br := bufio.NewReader(r)
	width, height, _, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	g, err := New(width, height)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(br, g.Pix); err != nil {
		return nil, errors.E(errors.Invalid, "pgm: short pixel data", err)
	}
	return g, nil
}

func decodeImage(r io.Reader) (image.Image, error) {
	g, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return g.Image(), nil
}

func decodeConfig(r io.Reader) (image.Config, error) {
	width, height, _, err := readHeader(bufio.NewReader(r))
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{ColorModel: color.GrayModel, Width: width, Height: height}, nil
}

// readHeader parses a P5 header, leaving br positioned at the first
// sample.
func readHeader(br *bufio.Reader) (width, height, maxval int, err error) {
	magic, err := readToken(br)
	if err != nil {
		return
	}
	if magic != pgmMagic {
		err = errors.E(errors.Invalid, fmt.Sprintf("pgm: bad magic %q", magic))
		return
	}
	vals := make([]int, 3)
	for i := range vals {
		var tok string
		if tok, err = readToken(br); err != nil {
			return
		}
		if _, err = fmt.Sscanf(tok, "%d", &vals[i]); err != nil {
			err = errors.E(errors.Invalid, fmt.Sprintf("pgm: bad header field %q", tok), err)
			return
		}
	}
	width, height, maxval = vals[0], vals[1], vals[2]
	if width <= 0 || height <= 0 {
		err = errors.E(errors.Invalid, fmt.Sprintf("pgm: invalid dimensions %dx%d", width, height))
		return
	}
	if maxval <= 0 || maxval > 255 {
		err = errors.E(errors.Invalid, fmt.Sprintf("pgm: unsupported maximum value %d", maxval))
		return
	}
	return
}

// readToken reads the next whitespace-delimited header token,
// skipping comments, and consumes the single whitespace byte that
// terminates it.
func readToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(tok) > 0 {
				return string(tok), nil
			}
			return "", errors.E(errors.Invalid, "pgm: truncated header", err)
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err := br.ReadString('\n'); err != nil {
				return "", errors.E(errors.Invalid, "pgm: truncated header", err)
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, c)
		}
	}
}
