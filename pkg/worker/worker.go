/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package worker implements the per-namespace job executor: one goroutine and one FIFO
// queue per namespace device.
//
// A worker moves linearly through Created -> Running -> Draining -> Terminated.
// Draining is entered either by Terminate or by the first failing job: the worker then
// enqueues a close message behind everything already queued, finishes that work and exits.
// Submissions are only accepted while Running.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/events"
	"github.com/nvmf-harness/nvmftests/pkg/job"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
)

type State int

const (
	Created State = iota
	Running
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultTerminateTimeout bounds Terminate when Config.TerminateTimeout is zero.
const DefaultTerminateTimeout = time.Minute

type Config struct {
	// Device is the namespace block device, used for logging and job events.
	Device      string
	Logger      logging.Logger
	Interceptor events.Interceptor
	// TerminateTimeout bounds how long Terminate waits for the goroutine to exit.
	TerminateTimeout time.Duration
}

// item is a queue entry: either a job or the close message.
type item struct {
	job   job.Job
	seq   uint64
	close bool
}

type Worker struct {
	device           string
	logger           logging.Logger
	interceptor      events.Interceptor
	terminateTimeout time.Duration

	mutex sync.Mutex
	// Signalled when an item is appended to the queue.
	queueCond *sync.Cond
	queue     []item
	state     State
	inFlight  bool
	seq       uint64

	// Closed and replaced on every change waiters of DrainAndWait care about.
	changedC chan struct{}

	exit *exitNotifier
}

// New creates a worker in the Created state. No goroutine runs until Init.
func New(cfg Config) *Worker {
	timeout := cfg.TerminateTimeout
	if timeout == 0 {
		timeout = DefaultTerminateTimeout
	}
	w := &Worker{
		device:           cfg.Device,
		logger:           logging.Decorate(cfg.Logger, "", "dev", cfg.Device),
		interceptor:      cfg.Interceptor,
		terminateTimeout: timeout,
		changedC:         make(chan struct{}),
		exit:             newExitNotifier(),
	}
	w.queueCond = sync.NewCond(&w.mutex)
	return w
}

func (w *Worker) Device() string {
	return w.device
}

// Init starts the worker goroutine.
func (w *Worker) Init() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.state != Created {
		return errors.WithMessagef(ErrAlreadyStarted, "worker for %s is %s", w.device, w.state)
	}
	w.state = Running
	go w.run()

	w.logger.Log(logging.LevelDebug, "Worker started.")
	return nil
}

// Submit appends a job to the queue and wakes the worker.
func (w *Worker) Submit(j job.Job) error {
	if j == nil {
		return errors.WithMessagef(ErrNilJob, "worker for %s", w.device)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.state != Running {
		err := &NotRunningError{Device: w.device, State: w.state}
		w.emit(&events.Event{Kind: string(j.Kind()), Phase: events.Rejected, Err: err.Error()})
		w.logger.Log(logging.LevelError, "Worker is not running.", "state", w.state.String())
		return err
	}

	w.seq++
	// Emitted under the lock so that Submitted always precedes Started in the event stream.
	w.emit(&events.Event{Seq: w.seq, Kind: string(j.Kind()), Phase: events.Submitted})
	w.queue = append(w.queue, item{job: j, seq: w.seq})
	w.queueCond.Signal()
	return nil
}

// DrainAndWait blocks until nothing is queued or executing while the worker is alive, in
// which case it returns true, or until the worker is found terminated (or was never
// started), in which case it returns false. It also returns false when ctx is done first.
func (w *Worker) DrainAndWait(ctx context.Context) bool {
	for {
		w.mutex.Lock()
		if w.state == Created || w.state == Terminated {
			pending := len(w.queue)
			w.mutex.Unlock()
			w.logger.Log(logging.LevelError, "Worker is not alive.", "pending", pending)
			return false
		}
		if len(w.queue) == 0 && !w.inFlight {
			w.mutex.Unlock()
			w.logger.Log(logging.LevelDebug, "Wait complete.")
			return true
		}
		changedC := w.changedC
		w.mutex.Unlock()

		select {
		case <-changedC:
		case <-ctx.Done():
			w.logger.Log(logging.LevelWarn, "Gave up waiting for worker.", "err", ctx.Err())
			return false
		}
	}
}

// Terminate enqueues the close message and waits, bounded by the terminate timeout, for
// the worker to finish what is queued ahead of it and exit. It reports whether the worker
// is terminated on return. Calling it again after termination returns true immediately.
func (w *Worker) Terminate() bool {
	w.mutex.Lock()
	switch w.state {
	case Created:
		w.state = Terminated
		w.exit.Exit()
		w.broadcast()
		w.mutex.Unlock()
		return true
	case Running:
		w.state = Draining
		w.queue = append(w.queue, item{close: true})
		w.queueCond.Signal()
		w.broadcast()
	case Draining:
		// The close message is already queued.
	case Terminated:
		w.mutex.Unlock()
		return true
	}
	exitC := w.exit.ExitC()
	w.mutex.Unlock()

	timer := time.NewTimer(w.terminateTimeout)
	defer timer.Stop()

	select {
	case <-exitC:
		w.logger.Log(logging.LevelDebug, "Worker terminated.")
		return true
	case <-timer.C:
		w.logger.Log(logging.LevelError, "Worker did not exit, continuing teardown.",
			"err", ErrTimeout, "timeout", w.terminateTimeout.String())
		return false
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// Pending returns the number of queued entries, not counting a job being executed.
func (w *Worker) Pending() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.queue)
}

// Err returns the first job failure, as a *JobExecutionError, or nil.
func (w *Worker) Err() error {
	return w.exit.Err()
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.exit.ExitC()
}

func (w *Worker) run() {
	for {
		w.mutex.Lock()
		for len(w.queue) == 0 {
			w.queueCond.Wait()
		}

		it := w.queue[0]
		w.queue[0] = item{}
		w.queue = w.queue[1:]

		if it.close {
			w.state = Terminated
			if len(w.queue) > 0 {
				w.logger.Log(logging.LevelWarn, "Worker exiting with entries still queued.", "pending", len(w.queue))
			}
			w.exit.Exit()
			w.broadcast()
			w.mutex.Unlock()
			return
		}

		w.inFlight = true
		w.mutex.Unlock()

		err := w.execute(it)

		w.mutex.Lock()
		if err != nil {
			// Stop accepting work, but let everything already queued run first.
			w.exit.Fail(err)
			if w.state == Running {
				w.state = Draining
			}
			w.queue = append(w.queue, item{close: true})
		}
		w.inFlight = false
		w.broadcast()
		w.mutex.Unlock()
	}
}

func (w *Worker) execute(it item) (err error) {
	kind := string(it.job.Kind())
	w.emit(&events.Event{Seq: it.seq, Kind: kind, Phase: events.Started})
	w.logger.Log(logging.LevelInfo, "Running job.", "seq", it.seq, "cmd", it.job.Describe())

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			err = &JobExecutionError{Device: w.device, Seq: it.seq, Err: err}
			w.logger.Log(logging.LevelError, "Job failed, shutting down worker.", "seq", it.seq, "err", err)
		}

		ev := &events.Event{Seq: it.seq, Kind: kind, Phase: events.Finished, Duration: time.Since(start)}
		if err != nil {
			ev.Err = err.Error()
		}
		w.emit(ev)
	}()

	return it.job.Run(context.Background())
}

func (w *Worker) emit(ev *events.Event) {
	if w.interceptor == nil {
		return
	}
	ev.Device = w.device
	ev.Time = time.Now()
	if err := w.interceptor.Intercept(ev); err != nil {
		w.logger.Log(logging.LevelWarn, "Could not record job event.", "phase", ev.Phase.String(), "err", err)
	}
}

// broadcast wakes every DrainAndWait caller. Must be called with the mutex held.
func (w *Worker) broadcast() {
	close(w.changedC)
	w.changedC = make(chan struct{})
}
