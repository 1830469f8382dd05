/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package target

import (
	"path"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
)

const (
	subsystemsDir = "nvmet/subsystems"
	portsDir      = "nvmet/ports"
)

type Subsystem struct {
	cfs        sysfs.Tree
	nqn        string
	path       string
	logger     logging.Logger
	namespaces []*Namespace
}

func newSubsystem(cfs sysfs.Tree, nqn string, logger logging.Logger) *Subsystem {
	return &Subsystem{
		cfs:    cfs,
		nqn:    nqn,
		path:   path.Join(subsystemsDir, nqn),
		logger: logging.Decorate(logger, "subsys: ", "nqn", nqn),
	}
}

func (ss *Subsystem) NQN() string {
	return ss.nqn
}

func (ss *Subsystem) Namespaces() []*Namespace {
	return append([]*Namespace(nil), ss.namespaces...)
}

func (ss *Subsystem) init(allowAnyHost string) error {
	if err := ss.cfs.MakeDir(ss.path); err != nil {
		return err
	}
	if allowAnyHost == "" {
		allowAnyHost = "1"
	}
	if err := ss.cfs.WriteAttr(path.Join(ss.path, "attr_allow_any_host"), allowAnyHost); err != nil {
		return errors.WithMessagef(err, "create %s failed", ss.nqn)
	}
	ss.logger.Log(logging.LevelInfo, "Subsystem created.")
	return nil
}

// AddNamespace creates a namespace. Without an explicit NSID the next free one is used.
func (ss *Subsystem) AddNamespace(cfg NamespaceConfig) (*Namespace, error) {
	nsid := cfg.NSID
	if nsid == 0 {
		nsid = len(ss.namespaces) + 1
	}
	ns := &Namespace{
		cfs:    ss.cfs,
		nsid:   nsid,
		device: cfg.Device.Path,
		path:   path.Join(ss.path, "namespaces", strconv.Itoa(nsid)),
		logger: logging.Decorate(ss.logger, "", "nsid", nsid),
	}
	if err := ns.init(cfg.Device.NGUID, cfg.Enable == 1); err != nil {
		return nil, err
	}
	ss.namespaces = append(ss.namespaces, ns)
	return ns, nil
}

// Delete removes every namespace, continuing past failures, then the subsystem itself.
func (ss *Subsystem) Delete() bool {
	ss.logger.Log(logging.LevelInfo, "Deleting subsystem.")
	ok := true
	for _, ns := range ss.namespaces {
		if !ns.Delete() {
			ok = false
		}
	}
	if err := ss.cfs.RemoveDir(ss.path); err != nil {
		ss.logger.Log(logging.LevelError, "Could not remove subsystem.", "err", err)
		ok = false
	}
	return ok
}

type Namespace struct {
	cfs     sysfs.Tree
	nsid    int
	device  string
	path    string
	enabled bool
	logger  logging.Logger
}

func (ns *Namespace) NSID() int {
	return ns.nsid
}

// Device is the backing block device path.
func (ns *Namespace) Device() string {
	return ns.device
}

func (ns *Namespace) Enabled() bool {
	return ns.enabled
}

func (ns *Namespace) init(nguid string, enable bool) error {
	if err := ns.cfs.MakeDir(ns.path); err != nil {
		return err
	}
	if err := ns.cfs.WriteAttr(path.Join(ns.path, "device_path"), ns.device); err != nil {
		return errors.WithMessage(err, "failed to configure device path")
	}
	if nguid != "" {
		if err := ns.cfs.WriteAttr(path.Join(ns.path, "device_nguid"), nguid); err != nil {
			return errors.WithMessage(err, "failed to configure device nguid")
		}
	}
	if enable {
		if err := ns.Enable(); err != nil {
			return err
		}
	}
	ns.logger.Log(logging.LevelInfo, "Namespace created.", "dev", ns.device, "enabled", ns.enabled)
	return nil
}

func (ns *Namespace) Enable() error {
	if err := ns.cfs.WriteAttr(path.Join(ns.path, "enable"), "1"); err != nil {
		return errors.WithMessagef(err, "enable namespace %d failed", ns.nsid)
	}
	ns.enabled = true
	return nil
}

func (ns *Namespace) Disable() error {
	if err := ns.cfs.WriteAttr(path.Join(ns.path, "enable"), "0"); err != nil {
		return errors.WithMessagef(err, "disable namespace %d failed", ns.nsid)
	}
	ns.enabled = false
	return nil
}

// Delete removes the namespace. It fails if the namespace is already gone.
func (ns *Namespace) Delete() bool {
	if !ns.cfs.Exists(ns.path) {
		ns.logger.Log(logging.LevelError, "Namespace does not exist.", "path", ns.path)
		return false
	}
	if err := ns.cfs.RemoveDir(ns.path); err != nil {
		ns.logger.Log(logging.LevelError, "Could not remove namespace.", "err", err)
		return false
	}
	return true
}
