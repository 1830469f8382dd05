/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package host

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/fs"
	"github.com/nvmf-harness/nvmftests/pkg/job"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
	"github.com/nvmf-harness/nvmftests/pkg/worker"
)

// Namespace is one namespace block device of a connected controller together with the
// worker that runs its jobs.
type Namespace struct {
	device string
	nsid   int
	opts   Options
	exec   shell.Executor
	logger logging.Logger
	worker *worker.Worker

	// Only set by the owning controller, one call at a time.
	fs fs.FileSystem

	deleteOnce   sync.Once
	deleteResult bool
}

// NewNamespace builds the namespace for device, e.g. /dev/nvme0n1. nsid is its position
// in the controller, starting at 1.
func NewNamespace(device string, nsid int, opts Options) *Namespace {
	opts = opts.withDefaults()
	return &Namespace{
		device: device,
		nsid:   nsid,
		opts:   opts,
		exec:   opts.Exec,
		logger: logging.Decorate(opts.Logger, "ns: ", "dev", device),
		worker: worker.New(worker.Config{
			Device:           device,
			Logger:           opts.Logger,
			Interceptor:      opts.Interceptor,
			TerminateTimeout: opts.TerminateTimeout,
		}),
	}
}

func (ns *Namespace) Device() string {
	return ns.device
}

func (ns *Namespace) NSID() int {
	return ns.nsid
}

func (ns *Namespace) Worker() *worker.Worker {
	return ns.worker
}

// FileSystem returns the file system created by Mkfs, or nil.
func (ns *Namespace) FileSystem() fs.FileSystem {
	return ns.fs
}

// Init identifies the namespace and starts its worker.
func (ns *Namespace) Init(ctx context.Context) error {
	if err := ns.IDNS(ctx); err != nil {
		return err
	}
	return ns.worker.Init()
}

// StartIO queues a copy of template aimed at this namespace.
func (ns *Namespace) StartIO(template job.Job) error {
	j, err := template.ForDevice(ns.device)
	if err != nil {
		return errors.WithMessagef(err, "could not build job for %s", ns.device)
	}
	if err := ns.worker.Submit(j); err != nil {
		return err
	}
	ns.logger.Log(logging.LevelDebug, "Started IO.", "cmd", j.Describe())
	return nil
}

// WaitIO reports whether the queue drained while the worker stayed alive.
func (ns *Namespace) WaitIO(ctx context.Context) bool {
	return ns.worker.DrainAndWait(ctx)
}

// Mkfs creates a file system of type fsType and mounts it under the mount root.
func (ns *Namespace) Mkfs(ctx context.Context, fsType string) error {
	f, err := fs.New(fsType, ns.device, fs.Options{
		MountRoot:   ns.opts.MountRoot,
		Exec:        ns.exec,
		Logger:      ns.opts.Logger,
		CheckDevice: ns.opts.CheckDevice,
	})
	if err != nil {
		return err
	}
	if err := f.Mkfs(ctx); err != nil {
		return errors.WithMessagef(err, "mkfs failed for %s", ns.device)
	}
	if err := f.Mount(ctx); err != nil {
		return errors.WithMessagef(err, "mount failed for %s", ns.device)
	}
	ns.fs = f
	return nil
}

// RunFSIO queues a copy of template aimed at the mounted file system.
func (ns *Namespace) RunFSIO(ctx context.Context, template job.DirectoryJob) error {
	if ns.fs == nil || !ns.fs.IsMounted(ctx) {
		return errors.Errorf("no file system mounted on %s", ns.device)
	}
	j, err := template.ForDirectory(ns.fs.MountPath() + "/")
	if err != nil {
		return err
	}
	return ns.worker.Submit(j)
}

func (ns *Namespace) IDNS(ctx context.Context) error {
	return shell.Check(ctx, ns.exec, "nvme", "id-ns", ns.device)
}

func (ns *Namespace) NSDescs(ctx context.Context) error {
	return shell.Check(ctx, ns.exec, "nvme", "ns-descs", ns.device)
}

func (ns *Namespace) GetNSID(ctx context.Context) error {
	return shell.Check(ctx, ns.exec, "nvme", "get-ns-id", ns.device)
}

// Delete terminates the worker and unmounts the file system, if any. Only the first call
// does the work; later calls return its result.
func (ns *Namespace) Delete(ctx context.Context) bool {
	ns.deleteOnce.Do(func() {
		ns.deleteResult = ns.delete(ctx)
	})
	return ns.deleteResult
}

func (ns *Namespace) delete(ctx context.Context) bool {
	ns.logger.Log(logging.LevelInfo, "Deleting namespace, waiting for queued jobs.", "pending", ns.worker.Pending())
	ok := ns.worker.Terminate()

	if ns.fs != nil && ns.fs.IsMounted(ctx) {
		if err := ns.fs.Unmount(ctx); err != nil {
			ns.logger.Log(logging.LevelError, "Could not unmount file system.", "err", err)
			ok = false
		}
	}
	return ok
}
