// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/stats"
)

// DefaultRanks is the number of ranks used by a session when none
// is configured.
const DefaultRanks = 4

// An Executor runs the rank program of a job over a group of ranks.
type Executor interface {
	// Name returns a short name for the executor, used in logs and
	// analytics events.
	Name() string

	// Start starts the executor. It is called once, before any job
	// is run. Start need not return: for example, the bigmachine
	// executor uses Start as the entry point of worker processes.
	Start(*Session) (shutdown func())

	// Run runs job over a group of n ranks and returns each rank's
	// report, indexed by rank. Run reports phase changes to obs.
	// If any rank fails, the whole group is aborted and Run returns
	// the error of the first failing rank.
	Run(ctx context.Context, job bigstencil.Job, n int, obs bigstencil.Observer) ([]*bigstencil.Report, error)

	// HandleDebug adds executor-specific debug handlers to the
	// provided http.ServeMux.
	HandleDebug(handler *http.ServeMux)
}

// Session represents a bigstencil compute session. A session owns an
// executor and the group of ranks it runs, and is valid for the run
// of the binary. A session can run multiple jobs, one at a time.
//
// A session is started by Start. Some executors launch multiple
// copies of the binary: in these worker processes, Start does not
// return.
//
//	func main() {
//		sess := exec.Start(exec.Ranks(8))
//		defer sess.Shutdown()
//		res, err := sess.Run(ctx, bigstencil.Job{...})
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(res.Max.Total)
//	}
type Session struct {
	context.Context
	index     int32
	shutdown  func()
	ranks     int
	executor  Executor
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	tracer *tracer

	// mu serializes runs: a job occupies every rank of the group.
	mu   sync.Mutex
	nrun int

	statsMu sync.Mutex
	stats   stats.Values
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
		stats:   make(stats.Values),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor:
// each rank is a goroutine.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system: each rank is a machine. If any
// params are provided, they are applied to each machine allocated by
// the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Ranks configures the number of ranks in the session's group.
func Ranks(n int) Option {
	if n <= 0 {
		panic("exec.Ranks: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
	}
}

// Status configures the session with a status object to which
// per-rank progress is reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigstencil-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// session will be written on shutdown. The path may be any path
// supported by package file.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in tests.
var nextSessionIndex int32

// Start creates and starts a new bigstencil session, configuring it
// according to the provided options. The returned session remains
// valid for the lifetime of the binary. If no executor is
// configured, the session is configured to use the bigmachine
// executor with the local system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.ranks == 0 {
		s.ranks = DefaultRanks
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigstencil:sessionStart",
		"command", command(),
		"executorType", s.executor.Name(),
		"ranks", s.ranks)
	s.tracer = newTracer()

	name := fmt.Sprintf("bigstencil-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// A Result is the outcome of a job.
type Result struct {
	// Job is the job that was run.
	Job bigstencil.Job
	// Reports holds the report of each rank, indexed by rank.
	Reports []*bigstencil.Report
	// Max is the fieldwise maximum of the ranks' timings.
	Max bigstencil.Timing
	// Stats totals the statistics of every rank.
	Stats stats.Values
	// MaxStats holds the largest value of each statistic over the
	// ranks, for example the size of the largest block.
	MaxStats stats.Values
}

// Root returns the report of the root rank.
func (r *Result) Root() *bigstencil.Report {
	return r.Reports[bigstencil.Root]
}

// Run runs the provided job over the session's group of ranks.
// Run returns when every rank has finished, or else on the first
// rank error, in which case the whole group has been aborted.
func (s *Session) Run(ctx context.Context, job bigstencil.Job) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nrun++
	obs := new(statusObserver)
	if s.status != nil {
		obs.group = s.status.Groupf("run %d: %s", s.nrun, job.Input)
		obs.tasks = make([]*status.Task, s.ranks)
		for r := range obs.tasks {
			obs.tasks[r] = obs.group.Start(fmt.Sprintf("rank %d", r))
		}
		defer obs.done()
	}
	start := time.Now()
	reports, err := s.executor.Run(ctx, job, s.ranks, obs)
	if err != nil {
		s.eventer.Event("bigstencil:runDone",
			"run", s.nrun,
			"ranks", s.ranks,
			"error", err.Error())
		if obs.group != nil {
			obs.group.Printf("failed: %v", err)
		}
		return nil, err
	}
	res := &Result{
		Job:      job,
		Reports:  reports,
		Stats:    make(stats.Values),
		MaxStats: make(stats.Values),
	}
	for _, report := range reports {
		if report == nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("run %d: missing report", s.nrun))
		}
		res.Max = res.Max.Max(report.Timing)
		res.Stats.Add(report.Stats)
		res.MaxStats.Max(report.Stats)
		s.tracer.Report(s.nrun, report)
	}
	if root := res.Root(); root.Max != res.Max {
		log.Error.Printf("run %d: root reduced timing %s, executor observed %s", s.nrun, root.Max, res.Max)
	}
	s.eventer.Event("bigstencil:runDone",
		"run", s.nrun,
		"ranks", s.ranks,
		"width", res.Root().Width,
		"height", res.Root().Height,
		"duration", time.Since(start).Seconds(),
		"maxTotal", res.Max.Total.Seconds(),
		"maxInterior", res.Max.Interior.Seconds(),
		"maxWait", res.Max.Wait.Seconds())
	if obs.group != nil {
		obs.group.Printf("done: %s; %s", res.Max, res.Stats)
	}
	s.statsMu.Lock()
	s.stats.Add(res.Stats)
	s.statsMu.Unlock()
	return res, nil
}

// Must is a version of Run that panics if the job fails.
func (s *Session) Must(ctx context.Context, job bigstencil.Job) *Result {
	res, err := s.Run(ctx, job)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// Ranks returns the number of ranks in the session's group.
func (s *Session) Ranks() int {
	return s.ranks
}

// Stats returns the statistics of all successful runs of the
// session, totaled over ranks.
func (s *Session) Stats() stats.Values {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats.Copy()
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s, s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the session's diagnostic handlers on the
// provided mux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	if s.tracer != nil {
		handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("content-type", "application/json; charset=utf-8")
			if err := s.tracer.Marshal(w); err != nil {
				log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
			}
		})
	}
}

// statusObserver shows the current phase of each rank in a status
// group. It is a no-op if the session has no status.
type statusObserver struct {
	group *status.Group
	tasks []*status.Task
}

func (o *statusObserver) Phase(rank int, phase string) {
	if o.tasks != nil && rank >= 0 && rank < len(o.tasks) {
		o.tasks[rank].Print(phase)
	}
}

func (o *statusObserver) done() {
	for _, task := range o.tasks {
		task.Done()
	}
}

func writeTraceFile(ctx context.Context, tracer *tracer, path string) {
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	if err := tracer.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
		f.Discard(ctx)
		return
	}
	if err := f.Close(ctx); err != nil {
		log.Error.Printf("error closing trace file at %q: %v", path, err)
	}
}

// command returns the command line of the current process, quoted so
// that it can be pasted into sh.
func command() string {
	args := make([]string, len(os.Args))
	for i, arg := range os.Args {
		args[i] = "'" + strings.Replace(arg, "'", `'\''`, -1) + "'"
	}
	return strings.Join(args, " ")
}
