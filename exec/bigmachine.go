// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

const (
	// phasePollInterval is the period at which rank phases are polled.
	phasePollInterval = time.Second

	// teardownTimeout is the maximum amount of time allowed to tear
	// down a job on a machine.
	teardownTimeout = 10 * time.Second
)

// retryPolicy is the retry policy used for idempotent machine calls
// and for dialing peers.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// BigmachineStatusGroup is the name of the status group that shows
// the machines of a session.
const BigmachineStatusGroup = "bigmachine"

// fatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// bigmachineExecutor is an executor that runs each rank on its own
// bigmachine machine. Ranks exchange messages directly, machine to
// machine, through the Rank service's Deliver method; the driver
// only sets up jobs, runs them, and collects their reports.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B

	status *status.Group

	// started distinguishes jobs of different sessions that share
	// machines.
	started time.Time

	mu       sync.Mutex
	machines []*bigmachine.Machine
	nextJob  int
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine. In worker processes, Start does not
// return.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.started = time.Now()
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group(BigmachineStatusGroup)
	}
	return b.b.Shutdown
}

// start returns n running machines, starting them if needed.
// Machines are kept for the lifetime of the session, so that
// successive jobs do not pay for machine startup.
func (b *bigmachineExecutor) start(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.machines) == n {
		return b.machines, nil
	}
	// The group is resized: its machines cannot serve the new one.
	for _, m := range b.machines {
		m.Cancel()
	}
	b.machines = nil
	params := append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{}}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	err = traverse.Each(len(machines), func(i int) error {
		m := machines[i]
		var task *status.Task
		if b.status != nil {
			task = b.status.Start()
			task.Print("waiting for machine to boot")
		}
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			log.Printf("machine %s failed to start: %v", m.Addr, err)
			if task != nil {
				task.Printf("failed to start: %v", err)
				task.Done()
			}
			return errors.E(fmt.Sprintf("machine %s (rank %d)", m.Addr, i), err)
		}
		if task != nil {
			task.Title(m.Addr)
			task.Printf("rank %d", i)
		}
		log.Printf("machine %v (rank %d) is ready", m.Addr, i)
		return nil
	})
	if err != nil {
		// A group with a missing rank cannot run any job.
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	b.machines = machines
	return machines, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, job bigstencil.Job, n int, obs bigstencil.Observer) ([]*bigstencil.Report, error) {
	machines, err := b.start(ctx, n)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.nextJob++
	id := fmt.Sprintf("%x-%d", b.started.UnixNano(), b.nextJob)
	b.mu.Unlock()

	peers := make([]string, n)
	for i, m := range machines {
		peers[i] = m.Addr
	}
	err = traverse.Each(n, func(i int) error {
		return machines[i].RetryCall(ctx, "Rank.Setup", setupRequest{ID: id, Rank: i, Peers: peers}, nil)
	})
	if err != nil {
		b.teardown(machines, id, err)
		return nil, err
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	if obs != nil {
		go b.pollPhases(pollCtx, machines, id, obs)
	}

	reports := make([]*bigstencil.Report, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		i, m := i, machines[i]
		g.Go(func() error {
			// Run is not idempotent: a rank cannot be rerun while its
			// peers are mid-job, so it is called only once.
			var report bigstencil.Report
			if err := m.Call(gctx, "Rank.Run", runRequest{ID: id, Job: job}, &report); err != nil {
				if errors.Match(fatalErr, err) {
					log.Error.Printf("rank %d (%s): fatal error: %v", i, m.Addr, err)
				}
				return err
			}
			reports[i] = &report
			return nil
		})
	}
	err = g.Wait()
	b.teardown(machines, id, err)
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// teardown drops the job's state on every machine. If the job
// failed, ranks still blocked in it are aborted with its error.
func (b *bigmachineExecutor) teardown(machines []*bigmachine.Machine, id string, jobErr error) {
	req := teardownRequest{ID: id}
	if jobErr != nil {
		req.Err = jobErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	_ = traverse.Each(len(machines), func(i int) error {
		if err := machines[i].RetryCall(ctx, "Rank.Teardown", req, nil); err != nil {
			log.Error.Printf("teardown of job %s on %s: %v", id, machines[i].Addr, err)
		}
		return nil
	})
}

// pollPhases periodically retrieves the current phase of each rank
// and reports changes to obs.
func (b *bigmachineExecutor) pollPhases(ctx context.Context, machines []*bigmachine.Machine, id string, obs bigstencil.Observer) {
	last := make([]string, len(machines))
	for {
		for i, m := range machines {
			var phase string
			if err := m.Call(ctx, "Rank.Phase", id, &phase); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Debug.Printf("rank %d (%s): phase: %v", i, m.Addr, err)
				continue
			}
			if phase != last[i] {
				last[i] = phase
				obs.Phase(i, phase)
			}
		}
		select {
		case <-time.After(phasePollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

type setupRequest struct {
	ID    string
	Rank  int
	Peers []string
}

type runRequest struct {
	ID  string
	Job bigstencil.Job
}

type teardownRequest struct {
	ID  string
	Err string
}

type message struct {
	ID       string
	Src, Tag int
	Data     []byte
}

// A rankService is the bigmachine service that runs one rank of
// each job. It holds a mailbox per job, into which peers deliver
// messages directly.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu   sync.Mutex
	jobs map[string]*rankJob
}

// A rankJob is the machine-local state of a job.
type rankJob struct {
	rank  int
	peers []string
	box   *comm.Mailbox
	phase atomic.Value // string
}

func (s *rankService) Init(b *bigmachine.B) error {
	s.b = b
	s.jobs = make(map[string]*rankJob)
	return nil
}

func (s *rankService) job(id string) (*rankJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("job %s", id))
	}
	return job, nil
}

// Setup prepares the machine to run a rank of job req.ID. Setup is
// idempotent.
func (s *rankService) Setup(ctx context.Context, req setupRequest, _ *struct{}) error {
	if err := comm.CheckPeer(req.Rank, len(req.Peers)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[req.ID]; ok {
		return nil
	}
	job := &rankJob{rank: req.Rank, peers: req.Peers, box: comm.NewMailbox()}
	job.phase.Store("setup")
	s.jobs[req.ID] = job
	return nil
}

// Deliver enqueues a message sent by a peer rank.
func (s *rankService) Deliver(ctx context.Context, msg message, _ *struct{}) error {
	job, err := s.job(msg.ID)
	if err != nil {
		return err
	}
	return job.box.Put(msg.Src, msg.Tag, msg.Data)
}

// Run runs the machine's rank of a job that has been set up.
func (s *rankService) Run(ctx context.Context, req runRequest, reply *bigstencil.Report) (err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = errors.E(errors.Fatal, fmt.Sprintf("panic while running job %s: %v\n%s", req.ID, e, string(stack)))
		}
	}()
	job, err := s.job(req.ID)
	if err != nil {
		return err
	}
	c := &machineComm{
		b:        s.b,
		id:       req.ID,
		rank:     job.rank,
		peers:    job.peers,
		box:      job.box,
		machines: make([]peerMachine, len(job.peers)),
	}
	report, err := bigstencil.RunObserved(ctx, c, req.Job, job)
	if err != nil {
		job.phase.Store("failed")
		// Abort the local rank's pending receives; peers are aborted
		// by the driver.
		job.box.Close(err)
		return err
	}
	job.phase.Store("done")
	*reply = *report
	return nil
}

// Phase implements bigstencil.Observer.
func (j *rankJob) Phase(rank int, phase string) {
	j.phase.Store(phase)
}

// Phase returns the current phase of the machine's rank in job id.
func (s *rankService) Phase(ctx context.Context, id string, phase *string) error {
	job, err := s.job(id)
	if err != nil {
		return err
	}
	*phase = job.phase.Load().(string)
	return nil
}

// Teardown drops the state of a job. If req.Err is set, any rank
// operation still blocked in the job fails with it.
func (s *rankService) Teardown(ctx context.Context, req teardownRequest, _ *struct{}) error {
	s.mu.Lock()
	job := s.jobs[req.ID]
	delete(s.jobs, req.ID)
	s.mu.Unlock()
	if job == nil {
		return nil
	}
	if req.Err != "" {
		job.box.Close(errors.E("job aborted: " + req.Err))
	} else {
		job.box.Close(nil)
	}
	if n := job.box.Pending(); n > 0 {
		log.Error.Printf("job %s: rank %d: %d messages were never received", req.ID, job.rank, n)
	}
	return nil
}

// A machineComm is a rank's view of a group of machines. Messages
// are sent by calling the destination's Rank.Deliver method and
// received from the local mailbox.
type machineComm struct {
	b        *bigmachine.B
	id       string
	rank     int
	peers    []string
	box      *comm.Mailbox
	machines []peerMachine
}

// A peerMachine is the lazily dialed machine of one peer rank. Each
// peer is dialed under its own lock, so that a slow dial does not
// hold up sends to other peers.
type peerMachine struct {
	mu sync.Mutex
	m  *bigmachine.Machine
}

func (c *machineComm) Rank() int { return c.rank }
func (c *machineComm) Size() int { return len(c.peers) }

// machine returns the machine of the provided rank, dialing it if
// needed.
func (c *machineComm) machine(ctx context.Context, rank int) (*bigmachine.Machine, error) {
	p := &c.machines[rank]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m != nil {
		return p.m, nil
	}
	for retries := 0; ; retries++ {
		m, err := c.b.Dial(ctx, c.peers[rank])
		if err == nil {
			p.m = m
			return m, nil
		}
		log.Error.Printf("rank %d: dial rank %d (%s): %v", c.rank, rank, c.peers[rank], err)
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return nil, err
		}
	}
}

func (c *machineComm) Isend(ctx context.Context, buf []byte, dst, tag int) *comm.Request {
	if err := comm.CheckPeer(dst, len(c.peers)); err != nil {
		return comm.Done(err)
	}
	if dst == c.rank {
		p := make([]byte, len(buf))
		copy(p, buf)
		return comm.Done(c.box.Put(c.rank, tag, p))
	}
	return comm.Go(func() error {
		m, err := c.machine(ctx, dst)
		if err != nil {
			return err
		}
		// Deliver is not idempotent, so it is not retried: a
		// duplicated message would be received by a later operation.
		return m.Call(ctx, "Rank.Deliver", message{ID: c.id, Src: c.rank, Tag: tag, Data: buf}, nil)
	})
}

func (c *machineComm) Irecv(ctx context.Context, buf []byte, src, tag int) *comm.Request {
	if err := comm.CheckPeer(src, len(c.peers)); err != nil {
		return comm.Done(err)
	}
	return c.box.Irecv(ctx, buf, src, tag)
}
