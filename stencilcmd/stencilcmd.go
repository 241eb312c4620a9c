// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stencilcmd provides utilities for implementing
// bigstencil-based command line tools: Init starts a session
// according to the common set of flags defined by package
// stencilflags, and DisplayStatus serves its status.
//
// A stencilcmd tool follows this form:
//
//	func main() {
//		var fl stencilflags.Flags
//		stencilflags.RegisterFlags(flag.CommandLine, &fl, "")
//		flag.Parse()
//		sess, err := stencilcmd.Init(fl)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer sess.Shutdown()
//		res, err := sess.Run(ctx, bigstencil.Job{...})
//		// Report the result...
//	}
package stencilcmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigstencil/exec"
	"github.com/grailbio/bigstencil/stencilflags"
)

// Init starts a session according to the supplied flags. If
// -system-help was given, Init prints the help and exits.
func Init(bf stencilflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		PrintSystemHelp(bf)
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// PrintSystemHelp writes the long help for the -system flag, along
// with the registered providers and profiles, to the flags' output.
func PrintSystemHelp(bf stencilflags.Flags) {
	providers, profiles := stencilflags.ProvidersAndProfiles()
	sort.Strings(providers)
	wr := bf.Output()
	str := []string{}
	fmt.Fprintf(wr, "%s\n\n", stencilflags.SystemHelpLong)
	fmt.Fprintf(wr, "The available providers are: %v\n",
		strings.Join(providers, ", "))
	for k, v := range profiles {
		str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
	}
	sort.Strings(str)
	for _, s := range str {
		wr.Write([]byte(s))
	}
}

// DisplayStatus arranges for the session's status to be displayed
// on the console and/or a web page depending on the flags specified
// on the command line. The web page is hosted at /debug/status on
// http.DefaultServeMux. Console status is written to stderr, since
// stdout carries the tool's results.
func DisplayStatus(bf stencilflags.Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stderr, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
