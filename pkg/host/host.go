/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package host drives the initiator side of a fabrics test run.
//
// A Host owns Controllers, a Controller owns Namespaces, and every Namespace owns one
// worker goroutine with a FIFO job queue. Traversals fan a job template out over this
// tree. Queuing and waiting follow different policies on purpose: RunParallel stops at
// the first namespace that refuses a job, while WaitParallel waits for every namespace
// and reports whether all of them drained. The sequential and random traversals run one
// namespace to completion before touching the next and stop at the first failure.
//
// Traversals, admin commands and Delete report a bool and log the details.
package host

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/job"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

type Host struct {
	opts        Options
	logger      logging.Logger
	controllers []*Controller

	deleteOnce   sync.Once
	deleteResult bool
}

func New(opts Options) *Host {
	opts = opts.withDefaults()
	return &Host{
		opts:   opts,
		logger: logging.Decorate(opts.Logger, "host: "),
	}
}

// Controllers returns the connected controllers in configuration order.
func (h *Host) Controllers() []*Controller {
	return append([]*Controller(nil), h.controllers...)
}

// LoadModules loads the host side fabrics driver.
func (h *Host) LoadModules(ctx context.Context) error {
	return errors.WithMessage(shell.Check(ctx, h.opts.Exec, "modprobe", "nvme-fabrics"),
		"unable to load nvme-fabrics")
}

// Configure connects one controller per subsystem NQN, one after the other. If any of
// them fails, the controllers connected so far are deleted and the host stays empty.
func (h *Host) Configure(ctx context.Context, nqns []string) error {
	if h.opts.Transport != TransportLoop {
		return errors.Errorf("only the %s transport is supported, not %q", TransportLoop, h.opts.Transport)
	}
	if len(h.controllers) > 0 {
		return errors.New("host is already configured")
	}

	h.logger.Log(logging.LevelInfo, "Configuring loop host.", "subsystems", len(nqns))
	var connected []*Controller
	for _, nqn := range nqns {
		ctrl := NewController(nqn, h.opts)
		if err := ctrl.Connect(ctx); err != nil {
			for _, c := range connected {
				c.Delete(ctx)
			}
			return errors.WithMessagef(err, "could not configure controller for %s", nqn)
		}
		connected = append(connected, ctrl)
	}

	h.controllers = connected
	h.logger.Log(logging.LevelInfo, "Host configured.")
	return nil
}

// RunParallel queues template on every namespace of every controller and stops at the
// first controller that fails to queue it.
func (h *Host) RunParallel(template job.Job) bool {
	h.logger.Log(logging.LevelInfo, "Starting traffic on all controllers.")
	for _, c := range h.controllers {
		if !c.RunParallel(template) {
			return false
		}
	}
	return true
}

// WaitParallel waits for every controller, even after one of them failed.
func (h *Host) WaitParallel(ctx context.Context) bool {
	h.logger.Log(logging.LevelInfo, "Waiting for all namespaces to finish their IOs.")
	ok := true
	for _, c := range h.controllers {
		if !c.WaitParallel(ctx) {
			h.logger.Log(logging.LevelError, "Wait failed.", "ctrl", c.Name())
			ok = false
		}
	}
	return ok
}

// RunIOsParallel is RunParallel followed by WaitParallel.
func (h *Host) RunIOsParallel(ctx context.Context, template job.Job) bool {
	if !h.RunParallel(template) {
		return false
	}
	return h.WaitParallel(ctx)
}

func (h *Host) RunSequential(ctx context.Context, template job.Job) bool {
	return h.forEach(func(c *Controller) bool { return c.RunSequential(ctx, template) })
}

// RunRandom visits the controllers in random order and runs each in random order.
func (h *Host) RunRandom(ctx context.Context, template job.Job) bool {
	for _, i := range h.opts.Rand.Perm(len(h.controllers)) {
		if !h.controllers[i].RunRandom(ctx, template) {
			return false
		}
	}
	return true
}

func (h *Host) forEach(f func(*Controller) bool) bool {
	for _, c := range h.controllers {
		if !f(c) {
			h.logger.Log(logging.LevelError, "Controller operation failed.", "ctrl", c.Name())
			return false
		}
	}
	return true
}

func (h *Host) Rescan() bool {
	return h.forEach((*Controller).Rescan)
}

func (h *Host) Reset() bool {
	return h.forEach((*Controller).Reset)
}

func (h *Host) IDCtrl(ctx context.Context) bool {
	return h.forEach(func(c *Controller) bool { return c.IDCtrl(ctx) })
}

func (h *Host) IDNS(ctx context.Context) bool {
	return h.forEach(func(c *Controller) bool { return c.IDNS(ctx) })
}

func (h *Host) NSDescs(ctx context.Context) bool {
	return h.forEach(func(c *Controller) bool { return c.NSDescs(ctx) })
}

func (h *Host) GetNSID(ctx context.Context) bool {
	return h.forEach(func(c *Controller) bool { return c.GetNSID(ctx) })
}

func (h *Host) SmartLog(ctx context.Context) bool {
	return h.forEach(func(c *Controller) bool { return c.SmartLog(ctx) })
}

func (h *Host) MkfsSeq(ctx context.Context, fsType string) bool {
	return h.forEach(func(c *Controller) bool { return c.MkfsSeq(ctx, fsType) })
}

func (h *Host) RunFSIOs(ctx context.Context, template job.DirectoryJob) bool {
	return h.forEach(func(c *Controller) bool { return c.RunFSIOs(ctx, template) })
}

// Delete deletes every controller, whatever happens to the others. Only the first call
// does the work; later calls return its result.
func (h *Host) Delete(ctx context.Context) bool {
	h.deleteOnce.Do(func() {
		ok := true
		for _, c := range h.controllers {
			if !c.Delete(ctx) {
				ok = false
			}
		}
		h.deleteResult = ok
	})
	return h.deleteResult
}
