// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigstencil", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.ranks, "ranks", DefaultRanks, "number of ranks in the process group")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution")
		inst.StringVar(&sess.tracePath, "trace", "", "path to which a trace of the session's runs is written on shutdown")
		inst.Doc = "bigstencil configures the bigstencil runtime"
		inst.New = func() (interface{}, error) {
			if sess.ranks <= 0 {
				return nil, fmt.Errorf("bigstencil: invalid number of ranks %d", sess.ranks)
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
