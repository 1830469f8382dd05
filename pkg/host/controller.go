/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package host

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/job"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
)

// controllerNSID addresses the controller itself in smart-log requests.
const controllerNSID = "0xFFFFFFFF"

// Controller is the host side of one connected subsystem. Its namespace list is built
// once by Connect, in discovery order, and is read-only afterwards.
type Controller struct {
	nqn    string
	opts   Options
	logger logging.Logger

	name       string
	connected  bool
	namespaces []*Namespace
	attributes map[string]string
	smartLogs  map[string]SmartLog

	deleteOnce   sync.Once
	deleteResult bool
}

func NewController(nqn string, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		nqn:    nqn,
		opts:   opts,
		logger: logging.Decorate(opts.Logger, "ctrl: ", "nqn", nqn),
	}
}

func (c *Controller) NQN() string {
	return c.nqn
}

// Name is the controller device name, e.g. nvme0. Empty until Connect discovered it.
func (c *Controller) Name() string {
	return c.name
}

// Device is the controller character device path.
func (c *Controller) Device() string {
	if c.name == "" {
		return ""
	}
	return c.opts.Resolver.Devices().Path(c.name)
}

// Namespaces returns the namespaces in discovery order.
func (c *Controller) Namespaces() []*Namespace {
	return append([]*Namespace(nil), c.namespaces...)
}

// Attributes returns the identify controller fields of the last IDCtrl.
func (c *Controller) Attributes() map[string]string {
	return c.attributes
}

// SmartLogs returns the counters of the last SmartLog, keyed by namespace device, with
// the controller-wide report under the controller device.
func (c *Controller) SmartLogs() map[string]SmartLog {
	return c.smartLogs
}

// Connect connects the subsystem, discovers the controller and its namespaces, starts a
// worker per namespace and validates the result against the attribute tree. On failure
// everything set up so far is torn down; the controller cannot be connected again.
func (c *Controller) Connect(ctx context.Context) error {
	if c.connected {
		return errors.Errorf("controller for %s is already connected", c.nqn)
	}

	if err := c.connect(ctx); err != nil {
		c.logger.Log(logging.LevelError, "Controller initialization failed.", "err", err)
		c.Delete(ctx)
		return err
	}
	return nil
}

func (c *Controller) connect(ctx context.Context) error {
	c.logger.Log(logging.LevelInfo, "Connecting.", "transport", c.opts.Transport)
	if err := c.opts.Fabrics.Connect(ctx, c.opts.Transport, c.nqn); err != nil {
		return err
	}
	c.connected = true

	resolver := c.opts.Resolver
	name, err := resolver.DiscoverController()
	if err != nil {
		return err
	}
	c.name = name
	c.logger = logging.Decorate(c.logger, "", "ctrl", name)

	names, err := resolver.DiscoverNamespaces(name)
	if err != nil {
		return err
	}

	isChar, err := resolver.Devices().IsCharDevice(name)
	if err != nil {
		return err
	}
	if !isChar {
		return errors.Errorf("expected a character device for controller %s", c.Device())
	}

	if err := resolver.WaitBlockDevices(ctx, names); err != nil {
		return errors.WithMessagef(err, "namespaces of %s", name)
	}

	if !c.IDCtrl(ctx) {
		return errors.Errorf("identify controller failed for %s", c.Device())
	}

	c.logger.Log(logging.LevelInfo, "Expecting namespaces.", "namespaces", strings.Join(names, ","))
	for i, n := range names {
		ns := NewNamespace(resolver.Devices().Path(n), i+1, c.opts)
		// Registered before Init so a failed initialization is torn down with the rest.
		c.namespaces = append(c.namespaces, ns)
		if err := ns.Init(ctx); err != nil {
			return errors.WithMessagef(err, "could not initialize namespace %s", ns.Device())
		}
	}

	c.opts.Sleep(c.opts.SysfsSettle)
	return resolver.ValidateTopology(c.nqn, name, names)
}

// RunParallel queues a copy of template on every namespace, in order, and stops at the
// first namespace that refuses it. Jobs queued before the failure are left running.
func (c *Controller) RunParallel(template job.Job) bool {
	for _, ns := range c.namespaces {
		if err := ns.StartIO(template); err != nil {
			c.logger.Log(logging.LevelError, "Could not start IO.", "dev", ns.Device(), "err", err)
			return false
		}
	}
	return true
}

// WaitParallel waits for every namespace, even after one of them failed, and reports
// whether all of them drained.
func (c *Controller) WaitParallel(ctx context.Context) bool {
	ok := true
	for _, ns := range c.namespaces {
		if !ns.WaitIO(ctx) {
			c.logger.Log(logging.LevelError, "Wait failed.", "dev", ns.Device(), "err", ns.Worker().Err())
			ok = false
		}
	}
	return ok
}

func (c *Controller) runOne(ctx context.Context, ns *Namespace, template job.Job) bool {
	if err := ns.StartIO(template); err != nil {
		c.logger.Log(logging.LevelError, "Could not start IO.", "dev", ns.Device(), "err", err)
		return false
	}
	if !ns.WaitIO(ctx) {
		c.logger.Log(logging.LevelError, "Wait failed.", "dev", ns.Device(), "err", ns.Worker().Err())
		return false
	}
	return true
}

// RunSequential runs template on one namespace at a time, in order.
func (c *Controller) RunSequential(ctx context.Context, template job.Job) bool {
	for _, ns := range c.namespaces {
		if !c.runOne(ctx, ns, template) {
			return false
		}
	}
	return true
}

// RunRandom runs template on one namespace at a time, visiting each once in random order.
func (c *Controller) RunRandom(ctx context.Context, template job.Job) bool {
	for _, i := range c.opts.Rand.Perm(len(c.namespaces)) {
		if !c.runOne(ctx, c.namespaces[i], template) {
			return false
		}
	}
	return true
}

// MkfsSeq formats and mounts every namespace in order.
func (c *Controller) MkfsSeq(ctx context.Context, fsType string) bool {
	for _, ns := range c.namespaces {
		if err := ns.Mkfs(ctx, fsType); err != nil {
			c.logger.Log(logging.LevelError, "Mkfs failed.", "err", err)
			return false
		}
	}
	return true
}

// RunFSIOs queues template on the mounted file system of every namespace.
func (c *Controller) RunFSIOs(ctx context.Context, template job.DirectoryJob) bool {
	for _, ns := range c.namespaces {
		if err := ns.RunFSIO(ctx, template); err != nil {
			c.logger.Log(logging.LevelError, "Could not start file system IO.", "dev", ns.Device(), "err", err)
			return false
		}
	}
	return true
}

func (c *Controller) setAttr(attr string) bool {
	if err := c.opts.Attrs.WriteAttr(path.Join(c.name, attr), "1"); err != nil {
		c.logger.Log(logging.LevelError, "Could not set controller attribute.", "attr", attr, "err", err)
		return false
	}
	return true
}

func (c *Controller) Rescan() bool {
	return c.setAttr("rescan_controller")
}

func (c *Controller) Reset() bool {
	return c.setAttr("reset_controller")
}

// IDCtrl runs identify controller and records the reported fields.
func (c *Controller) IDCtrl(ctx context.Context) bool {
	res, err := c.opts.Exec.Run(ctx, "nvme", "id-ctrl", c.Device())
	if err != nil || !res.Succeeded(0) {
		c.logger.Log(logging.LevelError, "nvme id-ctrl failed.", "rc", res.ExitCode, "err", err)
		return false
	}
	c.attributes = parseIDCtrl(res.Lines())
	c.logger.Log(logging.LevelDebug, "Identified controller.", "fields", len(c.attributes))
	return true
}

func (c *Controller) forEachNamespace(op string, f func(*Namespace) error) bool {
	for _, ns := range c.namespaces {
		if err := f(ns); err != nil {
			c.logger.Log(logging.LevelError, "Namespace command failed.", "op", op, "dev", ns.Device(), "err", err)
			return false
		}
	}
	return true
}

func (c *Controller) IDNS(ctx context.Context) bool {
	return c.forEachNamespace("id-ns", func(ns *Namespace) error { return ns.IDNS(ctx) })
}

func (c *Controller) NSDescs(ctx context.Context) bool {
	return c.forEachNamespace("ns-descs", func(ns *Namespace) error { return ns.NSDescs(ctx) })
}

func (c *Controller) GetNSID(ctx context.Context) bool {
	return c.forEachNamespace("get-ns-id", func(ns *Namespace) error { return ns.GetNSID(ctx) })
}

func (c *Controller) smartLog(ctx context.Context, nsid string) (SmartLog, error) {
	res, err := c.opts.Exec.Run(ctx, "nvme", "smart-log", c.Device(), "-n", nsid)
	if err != nil {
		return SmartLog{}, err
	}
	if !res.Succeeded(0) {
		return SmartLog{}, errors.Errorf("nvme smart-log exited with %d", res.ExitCode)
	}
	return parseSmartLog(res.Lines())
}

// SmartLog reads the controller-wide health log and then the log of every namespace.
func (c *Controller) SmartLog(ctx context.Context) bool {
	logs := map[string]SmartLog{}

	sl, err := c.smartLog(ctx, controllerNSID)
	if err != nil {
		c.logger.Log(logging.LevelError, "nvme smart-log failed.", "nsid", controllerNSID, "err", err)
		return false
	}
	logs[c.Device()] = sl

	for _, ns := range c.namespaces {
		sl, err := c.smartLog(ctx, fmt.Sprint(ns.NSID()))
		if err != nil {
			c.logger.Log(logging.LevelError, "nvme smart-log failed.", "nsid", ns.NSID(), "err", err)
			return false
		}
		c.logger.Log(logging.LevelInfo, "Smart log.", "dev", ns.Device(),
			"data_units_read", sl.DataUnitsRead, "data_units_written", sl.DataUnitsWritten,
			"host_read_commands", sl.HostReadCommands, "host_write_commands", sl.HostWriteCommands)
		logs[ns.Device()] = sl
	}

	c.smartLogs = logs
	return true
}

// Delete deletes every namespace, whatever happens to the others, and then disconnects.
// Only the first call does the work; later calls return its result.
func (c *Controller) Delete(ctx context.Context) bool {
	c.deleteOnce.Do(func() {
		c.deleteResult = c.delete(ctx)
	})
	return c.deleteResult
}

func (c *Controller) delete(ctx context.Context) bool {
	c.logger.Log(logging.LevelInfo, "Deleting controller.")

	ok := true
	for _, ns := range c.namespaces {
		if !ns.Delete(ctx) {
			ok = false
		}
	}

	if !c.connected {
		return ok
	}

	if c.name != "" && !c.opts.Attrs.Exists(c.name) {
		c.logger.Log(logging.LevelError, "Controller attribute directory not present.")
		return false
	}
	if err := c.opts.Fabrics.Disconnect(ctx, c.nqn); err != nil {
		c.logger.Log(logging.LevelError, "Failed to disconnect controller.", "err", err)
		return false
	}
	return ok
}
