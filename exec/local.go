// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"golang.org/x/sync/errgroup"
)

// localExecutor is an executor that runs each rank in-process in
// its own goroutine. Ranks share nothing but the group's mailboxes.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return new(localExecutor)
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return
}

func (l *localExecutor) Run(ctx context.Context, job bigstencil.Job, n int, obs bigstencil.Observer) ([]*bigstencil.Report, error) {
	var (
		group   = comm.NewLocalGroup(n)
		reports = make([]*bigstencil.Report, n)
	)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank, c := rank, group.Comm(rank)
		g.Go(func() (err error) {
			defer func() {
				if e := recover(); e != nil {
					stack := debug.Stack()
					err = errors.E(errors.Fatal, fmt.Sprintf("panic while running rank %d: %v\n%s", rank, e, string(stack)))
				}
				if err != nil {
					// Unblock every rank that is waiting on this one.
					group.Close(err)
				}
			}()
			reports[rank], err = bigstencil.RunObserved(ctx, c, job, obs)
			return
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug.Printf("exec.Local: run %s: %v", job.Input, err)
		return nil, err
	}
	return reports, nil
}

func (*localExecutor) HandleDebug(handler *http.ServeMux) {}
