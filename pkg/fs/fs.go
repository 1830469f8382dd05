/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package fs formats and mounts namespace block devices for filesystem I/O.
package fs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

// DefaultMountRoot holds one mount directory per namespace, named after the device.
const DefaultMountRoot = "/mnt"

type FileSystem interface {
	Type() string
	Device() string
	MountPath() string
	Mkfs(ctx context.Context) error
	Mount(ctx context.Context) error
	// Unmount unmounts the device and removes the mount directory.
	Unmount(ctx context.Context) error
	IsMounted(ctx context.Context) bool
}

type Options struct {
	// MountRoot defaults to DefaultMountRoot.
	MountRoot string
	Exec      shell.Executor
	Logger    logging.Logger
	// CheckDevice verifies the device is a block device before mkfs. Defaults to a stat.
	CheckDevice func(device string) error
}

// New returns the driver for fsType. Only ext4 is supported.
func New(fsType, device string, opts Options) (FileSystem, error) {
	switch fsType {
	case "ext4":
		return NewExt4(device, opts), nil
	default:
		return nil, errors.Errorf("file system %q is not supported", fsType)
	}
}

func checkBlockDevice(device string) error {
	var st unix.Stat_t
	if err := unix.Stat(device, &st); err != nil {
		return errors.WithMessagef(err, "device %s is not present", device)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return errors.Errorf("block device expected for mkfs, %s is not one", device)
	}
	return nil
}

type Ext4 struct {
	device      string
	mountPath   string
	exec        shell.Executor
	logger      logging.Logger
	checkDevice func(string) error
}

func NewExt4(device string, opts Options) *Ext4 {
	root := opts.MountRoot
	if root == "" {
		root = DefaultMountRoot
	}
	check := opts.CheckDevice
	if check == nil {
		check = checkBlockDevice
	}
	return &Ext4{
		device:      device,
		mountPath:   filepath.Join(root, filepath.Base(device)),
		exec:        opts.Exec,
		logger:      logging.Decorate(opts.Logger, "ext4: ", "dev", device),
		checkDevice: check,
	}
}

func (e *Ext4) Type() string      { return "ext4" }
func (e *Ext4) Device() string    { return e.device }
func (e *Ext4) MountPath() string { return e.mountPath }

func (e *Ext4) Mkfs(ctx context.Context) error {
	if err := e.checkDevice(e.device); err != nil {
		return err
	}
	if e.IsMounted(ctx) {
		return errors.Errorf("%s is already mounted", e.device)
	}
	if err := shell.Check(ctx, e.exec, "mkfs.ext4", "-F", e.device); err != nil {
		return errors.WithMessage(err, "mkfs failed")
	}
	e.logger.Log(logging.LevelInfo, "Created file system.")
	return nil
}

func (e *Ext4) Mount(ctx context.Context) error {
	if err := os.MkdirAll(e.mountPath, 0755); err != nil {
		return errors.WithMessagef(err, "could not create mount path %s", e.mountPath)
	}
	if err := shell.Check(ctx, e.exec, "mount", e.device, e.mountPath); err != nil {
		return errors.WithMessage(err, "mount failed")
	}
	e.logger.Log(logging.LevelInfo, "Mounted file system.", "path", e.mountPath)
	return nil
}

func (e *Ext4) IsMounted(ctx context.Context) bool {
	res, err := e.exec.Run(ctx, "mountpoint", "-q", e.mountPath)
	return err == nil && res.Succeeded(0)
}

func (e *Ext4) Unmount(ctx context.Context) error {
	if !e.IsMounted(ctx) {
		return errors.Errorf("%s is not mounted", e.mountPath)
	}
	if err := shell.Check(ctx, e.exec, "umount", e.mountPath); err != nil {
		return errors.WithMessage(err, "umount failed")
	}
	if err := os.Remove(e.mountPath); err != nil {
		return errors.WithMessagef(err, "could not remove mount path %s", e.mountPath)
	}
	e.logger.Log(logging.LevelInfo, "Unmounted file system.", "path", e.mountPath)
	return nil
}
