// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command sobel detects edges in an image using a group of ranks,
// each of which computes the Sobel gradient of a block of rows.
//
//	sobel [flags] <input-image> <output.pgm> [threshold]
//
// The input may be any PNG, JPEG, GIF, BMP, TIFF, WebP or binary PGM
// image, on local disk or S3. The output is a binary PGM raster in
// which edge pixels (gradient magnitude at or above threshold) are
// 255 and all others are 0. The threshold defaults to 100 and is
// clamped to [0, 255].
//
// On success, sobel prints the maximum per-rank timings:
//
//	Max total runtime: 0.012345 s
//	Max interior time (overlap candidate): 0.010000 s
//	Max wait time (waiting for halos): 0.000123 s
//	Saved output to out.pgm
//
// Sobel exits with status 1 on usage errors, unreadable input,
// unusable image geometry, or a failure to save the output, and with
// status 2 if the group was aborted abnormally.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/exec"
	"github.com/grailbio/bigstencil/stencilcmd"
	"github.com/grailbio/bigstencil/stencilconfig"
	"github.com/grailbio/bigstencil/stencilflags"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <input_image> <output_image.pgm> [threshold]\n\nThe flags are:\n", os.Args[0])
	flag.PrintDefaults()
}

// parseArgs parses the positional arguments into a job.
func parseArgs(args []string) (bigstencil.Job, error) {
	if len(args) < 2 || len(args) > 3 {
		return bigstencil.Job{}, errors.E(errors.Invalid, "usage: expected 2 or 3 arguments")
	}
	job := bigstencil.Job{
		Input:     args[0],
		Output:    args[1],
		Threshold: bigstencil.DefaultThreshold,
	}
	if len(args) == 3 {
		t, err := strconv.Atoi(args[2])
		if err != nil {
			return bigstencil.Job{}, errors.E(errors.Invalid, fmt.Sprintf("usage: threshold %q is not an integer", args[2]))
		}
		job.Threshold = bigstencil.ClampThreshold(t)
	}
	return job, nil
}

// report writes the lines that orchestration scripts grep for.
func report(w io.Writer, res *exec.Result) {
	max := res.Root().Max
	fmt.Fprintf(w, "Max total runtime: %f s\n", max.Total.Seconds())
	fmt.Fprintf(w, "Max interior time (overlap candidate): %f s\n", max.Interior.Seconds())
	fmt.Fprintf(w, "Max wait time (waiting for halos): %f s\n", max.Wait.Seconds())
	fmt.Fprintf(w, "Saved output to %s\n", res.Job.Output)
}

// exitCode returns the process exit code for a job error.
func exitCode(err error) int {
	if bigstencil.IsFatal(err) {
		return 2
	}
	return 1
}

func main() {
	var (
		fl        stencilflags.Flags
		png       = flag.String("png", "", "also write the output as a PNG image to this local path")
		useConfig = flag.Bool("config", false, "configure the session from the bigstencil profile ("+stencilconfig.Path+") instead of the system flags")
	)
	stencilflags.RegisterFlags(flag.CommandLine, &fl, "")
	stencilconfig.RegisterFlags()
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	must.Func = log.Fatal

	if fl.SystemHelp {
		stencilcmd.PrintSystemHelp(fl)
		os.Exit(0)
	}
	job, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}
	job.PNG = *png

	var sess *exec.Session
	if *useConfig {
		sess, err = stencilconfig.Session()
		if err == nil {
			stencilcmd.DisplayStatus(fl, sess)
		}
	} else {
		sess, err = stencilcmd.Init(fl)
	}
	if err != nil {
		log.Fatal(err)
	}
	res, err := sess.Run(context.Background(), job)
	sess.Shutdown()
	if err != nil {
		log.Error.Printf("Error: %v", err)
		os.Exit(exitCode(err))
	}
	log.Printf("%s: digest %016x; total %s; max per rank %s", job.Output, res.Root().Digest, res.Stats, res.MaxStats)
	report(os.Stdout, res)
}
