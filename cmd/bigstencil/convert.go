// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil/raster"
)

func convertCmd(args []string) {
	flags := flag.NewFlagSet("bigstencil convert", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `usage: bigstencil convert <input> <output.pgm|output.png>

Command convert reads an image in any supported format, converts it
to 8-bit grayscale, and writes it as a binary PGM raster, or as a PNG
if the output path ends in ".png". PGM inputs and outputs may reside
on S3; PNG outputs must be local.
`)
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 2 {
		flags.Usage()
	}
	if err := convert(context.Background(), flags.Arg(0), flags.Arg(1)); err != nil {
		log.Fatal(err)
	}
}

// convert converts the image at in to a grayscale raster at out.
func convert(ctx context.Context, in, out string) error {
	g, err := raster.Load(ctx, in)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(out)); ext {
	case ".png":
		err = raster.SavePNG(out, g)
	case ".pgm", "":
		err = raster.Save(ctx, out, g)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("convert %s: unsupported output format %q", out, ext))
	}
	if err != nil {
		return err
	}
	log.Printf("converted %s (%dx%d) to %s", in, g.Width, g.Height, out)
	return nil
}
