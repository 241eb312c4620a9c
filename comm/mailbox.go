// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// A Key addresses a message queue in a mailbox.
type Key struct {
	// Src is the rank that sent the message.
	Src int
	// Tag is the message tag.
	Tag int
}

// A Mailbox buffers messages that have arrived at a rank but have not
// yet been claimed by a receive. Messages with the same key are
// delivered in the order in which they were put.
type Mailbox struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	queues map[Key][][]byte
	err    error
}

// NewMailbox returns a new, empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{queues: make(map[Key][][]byte)}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put enqueues message p, sent by rank src with the given tag. The
// mailbox takes ownership of p.
func (m *Mailbox) Put(src, tag int, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	key := Key{src, tag}
	m.queues[key] = append(m.queues[key], p)
	m.cond.Broadcast()
	return nil
}

// Take dequeues the next message from rank src with the given tag,
// blocking until one arrives, the mailbox is closed, or the context
// is done.
func (m *Mailbox) Take(ctx context.Context, src, tag int) ([]byte, error) {
	key := Key{src, tag}
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queues[key]) == 0 {
		if m.err != nil {
			return nil, m.err
		}
		if err := m.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	q := m.queues[key]
	p := q[0]
	if len(q) == 1 {
		delete(m.queues, key)
	} else {
		m.queues[key] = q[1:]
	}
	return p, nil
}

// Irecv posts a receive from the mailbox of exactly len(buf) bytes
// sent by rank src with the given tag. Transports that deliver
// incoming messages into a Mailbox implement Comm.Irecv with it.
func (m *Mailbox) Irecv(ctx context.Context, buf []byte, src, tag int) *Request {
	return Go(func() error {
		p, err := m.Take(ctx, src, tag)
		if err != nil {
			return err
		}
		return Deliver(buf, p, src, tag)
	})
}

// Pending returns the number of messages that have been put but not
// yet taken.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Close closes the mailbox with the provided error. Pending and
// future calls to Take for which no message is queued fail with err;
// future calls to Put fail. If err is nil, a generic error is used.
func (m *Mailbox) Close(err error) {
	if err == nil {
		err = errors.E("comm: mailbox closed")
	}
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}
