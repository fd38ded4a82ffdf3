// -*- Mode: Go; indent-tabs-mode: t -*-
//
// SPDX-License-Identifier: Apache-2.0

// Package eventloop implements the single-threaded, cooperative reactor
// that every asynchronous operation in the daemon runs on (spec.md §4.3,
// §5). Every driver callback, bus method dispatch, and timer firing is
// posted onto the loop's goroutine and runs there to completion; nothing
// preempts it.
package eventloop

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

// Loop is a single-threaded reactor. The zero value is not usable; use
// New.
type Loop struct {
	log hclog.Logger

	work chan func()
	done chan struct{}

	mu        sync.Mutex
	nextID    TimerID
	timers    map[TimerID]*time.Timer
	closeOnce sync.Once
}

// New starts a Loop's goroutine and returns it. log may be nil, in which
// case a discarding logger is used.
func New(log hclog.Logger) *Loop {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	l := &Loop{
		log:    log,
		work:   make(chan func(), 64),
		done:   make(chan struct{}),
		timers: make(map[TimerID]*time.Timer),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn, ok := <-l.work:
			if !ok {
				return
			}
			fn()
		case <-l.done:
			return
		}
	}
}

// Post schedules fn to run on the loop goroutine. It never blocks the
// caller waiting for fn to run.
func (l *Loop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
		l.log.Debug("dropped posted work after loop close")
	}
}

// Call posts fn and blocks the caller until it has run on the loop
// goroutine, returning whatever fn returned. This is how bus method
// handlers - each dispatched on its own goroutine by godbus - marshal
// their work onto the single-threaded core.
func (l *Loop) Call(fn func() (interface{}, error)) (interface{}, error) {
	type result struct {
		val interface{}
		err error
	}
	resCh := make(chan result, 1)
	l.Post(func() {
		v, err := fn()
		resCh <- result{v, err}
	})
	select {
	case r := <-resCh:
		return r.val, r.err
	case <-l.done:
		return nil, errLoopClosed
	}
}

// AddTimer schedules cb to run on the loop goroutine after d. Cancel with
// CancelTimer before it fires to suppress the callback.
func (l *Loop) AddTimer(d time.Duration, cb func()) TimerID {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	t := time.AfterFunc(d, func() {
		l.mu.Lock()
		_, stillArmed := l.timers[id]
		if stillArmed {
			delete(l.timers, id)
		}
		l.mu.Unlock()
		if stillArmed {
			l.Post(cb)
		}
	})

	l.mu.Lock()
	l.timers[id] = t
	l.mu.Unlock()

	return id
}

// CancelTimer cancels a timer previously returned by AddTimer. Canceling
// an already-fired or unknown id is a no-op.
func (l *Loop) CancelTimer(id TimerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

// Close stops accepting new work and unblocks the loop goroutine. Posted
// work already queued is dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
		l.mu.Unlock()
		close(l.done)
	})
}

var errLoopClosed = loopClosedError{}

type loopClosedError struct{}

func (loopClosedError) Error() string { return "eventloop: loop closed" }
