/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

type LoopbackConfig struct {
	// Dir holds the backing files test0..testN.
	Dir       string
	DevSize   int64
	BlockSize int64
	Count     int
	Exec      shell.Executor
	Logger    logging.Logger
}

// Loopback backs each device with a zero filled file attached to /dev/loopN.
type Loopback struct {
	cfg    LoopbackConfig
	logger logging.Logger
	paths  []string
	files  []string
}

func NewLoopback(cfg LoopbackConfig) *Loopback {
	return &Loopback{
		cfg:    cfg,
		logger: logging.Decorate(cfg.Logger, "loop: "),
	}
}

func (l *Loopback) Init(ctx context.Context) error {
	if l.cfg.DevSize <= 0 || l.cfg.BlockSize <= 0 {
		return errors.Errorf("invalid device size %d or block size %d", l.cfg.DevSize, l.cfg.BlockSize)
	}
	if l.cfg.Count < 1 {
		return errors.Errorf("invalid loop device count %d", l.cfg.Count)
	}

	exec := l.cfg.Exec
	// Start from a clean loop driver; failures only mean nothing was set up before.
	exec.Run(ctx, "losetup", "-D")
	exec.Run(ctx, "modprobe", "-qr", "loop")
	if err := shell.Check(ctx, exec, "modprobe", "loop", "max_loop="+strconv.Itoa(l.cfg.Count)); err != nil {
		return errors.WithMessage(err, "could not load loop driver")
	}

	count := l.cfg.DevSize / l.cfg.BlockSize
	for i := 0; i < l.cfg.Count; i++ {
		file := filepath.Join(l.cfg.Dir, fmt.Sprintf("test%d", i))
		err := shell.Check(ctx, exec, "dd", "if=/dev/zero", "of="+file,
			"count="+strconv.FormatInt(count, 10), "bs="+strconv.FormatInt(l.cfg.BlockSize, 10))
		if err != nil {
			return errors.WithMessagef(err, "loopback file creation %s", file)
		}
		l.files = append(l.files, file)

		dev := fmt.Sprintf("/dev/loop%d", i)
		if err := shell.Check(ctx, exec, "losetup", dev, file); err != nil {
			return err
		}
		l.paths = append(l.paths, dev)
		l.logger.Log(logging.LevelInfo, "Loop device ready.", "dev", dev, "file", file)
	}
	return nil
}

func (l *Loopback) Paths() []string {
	return append([]string(nil), l.paths...)
}

func (l *Loopback) Delete(ctx context.Context) bool {
	ok := true
	for _, dev := range l.paths {
		if err := shell.Check(ctx, l.cfg.Exec, "losetup", "-d", dev); err != nil {
			l.logger.Log(logging.LevelError, "Could not detach loop device.", "dev", dev, "err", err)
			ok = false
		}
	}
	for _, file := range l.files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			l.logger.Log(logging.LevelError, "Could not remove backing file.", "file", file, "err", err)
			ok = false
		}
	}
	l.paths, l.files = nil, nil

	l.cfg.Exec.Run(ctx, "modprobe", "-qr", "loop")
	return ok
}
