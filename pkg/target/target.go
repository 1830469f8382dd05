/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package target builds an NVMe target in configfs: subsystems with their namespaces, and
// ports exporting the subsystems. Only the loop transport is supported.
package target

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
)

const (
	TransportLoop = "loop"

	// DefaultConfigFSMount is where configfs is mounted.
	DefaultConfigFSMount = "/sys/kernel/config"
)

type Options struct {
	Transport string
	// ConfigFS is rooted at the configfs mount point.
	ConfigFS sysfs.Tree
	// MountPoint is the configfs mount point, checked and mounted by LoadModules.
	MountPoint string
	Exec       shell.Executor
	Logger     logging.Logger
}

type Target struct {
	opts       Options
	logger     logging.Logger
	subsystems []*Subsystem
	ports      []*Port

	deleteOnce   sync.Once
	deleteResult bool
}

func New(opts Options) *Target {
	if opts.Transport == "" {
		opts.Transport = TransportLoop
	}
	if opts.MountPoint == "" {
		opts.MountPoint = DefaultConfigFSMount
	}
	opts.Logger = logging.OrNil(opts.Logger)
	return &Target{
		opts:   opts,
		logger: logging.Decorate(opts.Logger, "target: "),
	}
}

func (t *Target) Subsystems() []*Subsystem {
	return append([]*Subsystem(nil), t.subsystems...)
}

func (t *Target) Ports() []*Port {
	return append([]*Port(nil), t.ports...)
}

// LoadModules mounts configfs if needed and loads the target drivers.
func (t *Target) LoadModules(ctx context.Context) error {
	exec := t.opts.Exec
	if res, err := exec.Run(ctx, "modprobe", "configfs"); err != nil || !res.Succeeded(0) {
		t.logger.Log(logging.LevelWarn, "Could not load configfs module, it may be built in.")
	}
	if res, err := exec.Run(ctx, "mountpoint", "-q", t.opts.MountPoint); err != nil || !res.Succeeded(0) {
		if err := shell.Check(ctx, exec, "mount", "-t", "configfs", "none", t.opts.MountPoint); err != nil {
			return errors.WithMessage(err, "failed to mount configfs")
		}
		t.logger.Log(logging.LevelInfo, "Mounted configfs.", "path", t.opts.MountPoint)
	}

	modules := []string{"nvme", "nvmet"}
	if t.opts.Transport == TransportLoop {
		modules = append(modules, "nvme-loop")
	}
	for _, m := range modules {
		if err := shell.Check(ctx, exec, "modprobe", m); err != nil {
			return errors.WithMessagef(err, "unable to load %s", m)
		}
	}
	return nil
}

// Configure creates the subsystems, their namespaces and the ports of cfg. If anything
// fails, whatever was created is deleted again.
func (t *Target) Configure(ctx context.Context, cfg *Config) error {
	if t.opts.Transport != TransportLoop {
		return errors.Errorf("only the %s transport is supported, not %q", TransportLoop, t.opts.Transport)
	}
	if len(t.subsystems) > 0 || len(t.ports) > 0 {
		return errors.New("target is already configured")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.logger.Log(logging.LevelInfo, "Configuring loop target.", "subsystems", len(cfg.Subsystems), "ports", len(cfg.Ports))
	if err := t.configure(cfg); err != nil {
		t.logger.Log(logging.LevelError, "Target configuration failed.", "err", err)
		t.Delete(ctx)
		return err
	}
	return nil
}

func (t *Target) configure(cfg *Config) error {
	for _, sscfg := range cfg.Subsystems {
		ss := newSubsystem(t.opts.ConfigFS, sscfg.NQN, t.opts.Logger)
		if err := ss.init(sscfg.Attr.AllowAnyHost); err != nil {
			return err
		}
		t.subsystems = append(t.subsystems, ss)

		for _, nscfg := range sscfg.Namespaces {
			if _, err := ss.AddNamespace(nscfg); err != nil {
				return err
			}
		}
	}

	for _, pcfg := range cfg.Ports {
		p := newPort(t.opts.ConfigFS, pcfg.PortID, t.opts.Logger)
		if err := p.init(pcfg.Addr.TrType); err != nil {
			return err
		}
		t.ports = append(t.ports, p)

		for _, nqn := range pcfg.Subsystems {
			if err := p.AddSubsystem(nqn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Subsystem returns the configured subsystem with the given NQN, or nil.
func (t *Target) Subsystem(nqn string) *Subsystem {
	for _, ss := range t.subsystems {
		if ss.nqn == nqn {
			return ss
		}
	}
	return nil
}

// Delete removes ports, then subsystems, continuing past failures, and unloads the
// target drivers. Only the first call does the work; later calls return its result.
func (t *Target) Delete(ctx context.Context) bool {
	t.deleteOnce.Do(func() {
		t.deleteResult = t.delete(ctx)
	})
	return t.deleteResult
}

func (t *Target) delete(ctx context.Context) bool {
	t.logger.Log(logging.LevelInfo, "Cleanup is in progress.")
	ok := true
	for _, p := range t.ports {
		if !p.Delete() {
			ok = false
		}
	}
	for _, ss := range t.subsystems {
		if !ss.Delete() {
			ok = false
		}
	}

	t.logger.Log(logging.LevelInfo, "Removing modules.")
	for _, m := range []string{"nvme_loop", "nvmet", "nvme_fabrics"} {
		if err := shell.Check(ctx, t.opts.Exec, "modprobe", "-r", m); err != nil {
			t.logger.Log(logging.LevelWarn, "Could not unload module.", "module", m, "err", err)
		}
	}
	return ok
}
