// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stencilconfig provides a mechanism to create a bigstencil
// session from a shared configuration. Stencilconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigstencil/config. A profile selects the system and group
// size, for example:
//
//	param bigstencil (
//		system = ec2system
//		ranks = 8
//	)
package stencilconfig

import (
	"os"

	"github.com/grailbio/base/config"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigstencil/exec"
)

// Path determines the location of the default bigstencil
// profile.
var Path = os.ExpandEnv("$HOME/.bigstencil/config")

// RegisterFlags registers the configuration flags (for example,
// -profile and -set) with the default flag set. The default profile
// is read from Path.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Session processes the configuration flags and returns the session
// configured by the "bigstencil" instance of the resulting profile.
// It must be called after flag.Parse.
func Session() (*exec.Session, error) {
	if err := config.ProcessFlags(); err != nil {
		return nil, err
	}
	var sess *exec.Session
	if err := config.Instance("bigstencil", &sess); err != nil {
		return nil, err
	}
	return sess, nil
}
