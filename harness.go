/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package nvmftests sets up and tears down a complete NVMe over Fabrics loop test bed:
// backing block devices, a configfs target exporting them, and a host connected to every
// target subsystem. Tests drive I/O through Harness.Host and the job templates.
package nvmftests

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/config"
	"github.com/nvmf-harness/nvmftests/pkg/blockdev"
	"github.com/nvmf-harness/nvmftests/pkg/events"
	"github.com/nvmf-harness/nvmftests/pkg/host"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
	"github.com/nvmf-harness/nvmftests/pkg/target"
	"github.com/nvmf-harness/nvmftests/pkg/topology"
)

// Options selects the collaborators of a harness. Only Config is required; the rest
// default to the real system, rooted at the paths in Config.
type Options struct {
	Config      *config.Config
	Exec        shell.Executor
	Logger      logging.Logger
	Interceptor events.Interceptor

	Devices      topology.DeviceDir
	Attrs        sysfs.Tree
	ConfigFS     sysfs.Tree
	Fabrics      host.Fabrics
	BlockDevices blockdev.Devices

	Sleep       func(time.Duration)
	CheckDevice func(device string) error
}

type Harness struct {
	RunID string

	cfg     *config.Config
	exec    shell.Executor
	logger  logging.Logger
	devices blockdev.Devices

	Target *target.Target
	Host   *host.Host
	// TargetConfig is the generated target configuration, set by Setup.
	TargetConfig *target.Config

	teardownOnce   sync.Once
	teardownResult bool
}

func New(opts Options) (*Harness, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("harness needs a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger := logging.Decorate(logging.OrNil(opts.Logger), "", "run", runID)

	exec := opts.Exec
	if exec == nil {
		exec = shell.NewOSExecutor(logger)
	}
	if opts.Devices == nil {
		opts.Devices = topology.NewOSDeviceDir(cfg.DevDir)
	}
	if opts.Attrs == nil {
		opts.Attrs = sysfs.NewOSTree(cfg.SysfsCtlRoot)
	}
	if opts.ConfigFS == nil {
		opts.ConfigFS = sysfs.NewOSTree(cfg.ConfigFSRoot)
	}
	if opts.Fabrics == nil {
		opts.Fabrics = &host.FabricsDevice{Path: cfg.FabricsDev, Exec: exec}
	}
	if opts.BlockDevices == nil {
		opts.BlockDevices = backingDevices(cfg, exec, logger)
	}

	resolver := topology.NewResolver(topology.Config{
		Devices:          opts.Devices,
		Attrs:            opts.Attrs,
		Settle:           time.Duration(cfg.NamespaceSettle),
		Sleep:            opts.Sleep,
		BlockDevAttempts: cfg.BlockDevAttempts,
		BlockDevDelay:    time.Duration(cfg.BlockDevDelay),
		Logger:           logger,
	})

	return &Harness{
		RunID:   runID,
		cfg:     cfg,
		exec:    exec,
		logger:  logger,
		devices: opts.BlockDevices,
		Target: target.New(target.Options{
			Transport:  cfg.Transport,
			ConfigFS:   opts.ConfigFS,
			MountPoint: cfg.ConfigFSRoot,
			Exec:       exec,
			Logger:     logger,
		}),
		Host: host.New(host.Options{
			Transport:        cfg.Transport,
			Exec:             exec,
			Fabrics:          opts.Fabrics,
			Resolver:         resolver,
			Attrs:            opts.Attrs,
			Logger:           logger,
			Interceptor:      opts.Interceptor,
			TerminateTimeout: time.Duration(cfg.TerminateTimeout),
			SysfsSettle:      time.Duration(cfg.SysfsSettle),
			Sleep:            opts.Sleep,
			MountRoot:        cfg.MountRoot,
			CheckDevice:      opts.CheckDevice,
		}),
	}, nil
}

func backingDevices(cfg *config.Config, exec shell.Executor, logger logging.Logger) blockdev.Devices {
	if cfg.BlockDevPool == config.PoolNullBlk {
		sizeGB := int(cfg.DataSize >> 30)
		if sizeGB < 1 {
			sizeGB = 1
		}
		return blockdev.NewNullBlk(blockdev.NullBlkConfig{
			SizeGB:    sizeGB,
			BlockSize: int(cfg.BlockSize),
			Count:     cfg.NrDev,
			Exec:      exec,
			Logger:    logger,
		})
	}
	return blockdev.NewLoopback(blockdev.LoopbackConfig{
		Dir:       cfg.LoopDir,
		DevSize:   int64(cfg.DataSize),
		BlockSize: int64(cfg.BlockSize),
		Count:     cfg.NrDev,
		Exec:      exec,
		Logger:    logger,
	})
}

// Setup creates the backing devices, configures the target over them and connects the
// host to every target subsystem. On failure everything set up so far is torn down.
func (h *Harness) Setup(ctx context.Context) error {
	if err := h.setup(ctx); err != nil {
		h.logger.Log(logging.LevelError, "Setup failed, tearing down.", "err", err)
		h.Teardown(ctx)
		return err
	}
	h.logger.Log(logging.LevelInfo, "Test bed ready.", "controllers", len(h.Host.Controllers()))
	return nil
}

func (h *Harness) setup(ctx context.Context) error {
	if err := h.devices.Init(ctx); err != nil {
		return errors.WithMessage(err, "could not create backing devices")
	}

	tcfg, err := target.GenerateConfig(h.cfg.NrTargetSubsys, h.cfg.NrNSPerSubsys, h.devices.Paths())
	if err != nil {
		return err
	}
	tcfg.AssignNGUIDs()
	if h.cfg.TargetConfigFile != "" {
		if err := target.WriteConfig(h.cfg.TargetConfigFile, tcfg); err != nil {
			return err
		}
	}
	h.TargetConfig = tcfg

	if err := h.Target.LoadModules(ctx); err != nil {
		return err
	}
	if err := h.Target.Configure(ctx, tcfg); err != nil {
		return errors.WithMessage(err, "target config failed")
	}

	if err := h.Host.LoadModules(ctx); err != nil {
		return err
	}
	return errors.WithMessage(h.Host.Configure(ctx, tcfg.NQNs()), "host config failed")
}

// Teardown deletes the host, the target and the backing devices, in that order, even if
// an earlier step fails. It runs once; later calls return the first result.
func (h *Harness) Teardown(ctx context.Context) bool {
	h.teardownOnce.Do(func() {
		ok := h.Host.Delete(ctx)
		ok = h.Target.Delete(ctx) && ok
		ok = h.devices.Delete(ctx) && ok
		h.teardownResult = ok
		h.logger.Log(logging.LevelInfo, "Test bed torn down.", "ok", ok)
	})
	return h.teardownResult
}
