/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockdev

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

type NullBlkConfig struct {
	// SizeGB is the size of each device in gigabytes.
	SizeGB    int
	BlockSize int
	Count     int
	Exec      shell.Executor
	Logger    logging.Logger
}

// NullBlk exposes the devices of the null_blk driver, /dev/nullb0..N.
type NullBlk struct {
	cfg    NullBlkConfig
	logger logging.Logger
	paths  []string
}

func NewNullBlk(cfg NullBlkConfig) *NullBlk {
	return &NullBlk{
		cfg:    cfg,
		logger: logging.Decorate(cfg.Logger, "null_blk: "),
	}
}

func (n *NullBlk) Init(ctx context.Context) error {
	if n.cfg.Count < 1 {
		return errors.Errorf("invalid null_blk device count %d", n.cfg.Count)
	}
	n.cfg.Exec.Run(ctx, "modprobe", "-r", "null_blk")
	err := shell.Check(ctx, n.cfg.Exec, "modprobe", "null_blk",
		"gb="+strconv.Itoa(n.cfg.SizeGB), "bs="+strconv.Itoa(n.cfg.BlockSize), "nr_devices="+strconv.Itoa(n.cfg.Count))
	if err != nil {
		return errors.WithMessage(err, "could not load null_blk")
	}
	for i := 0; i < n.cfg.Count; i++ {
		n.paths = append(n.paths, fmt.Sprintf("/dev/nullb%d", i))
	}
	n.logger.Log(logging.LevelInfo, "null_blk devices ready.", "count", n.cfg.Count)
	return nil
}

func (n *NullBlk) Paths() []string {
	return append([]string(nil), n.paths...)
}

func (n *NullBlk) Delete(ctx context.Context) bool {
	n.paths = nil
	if err := shell.Check(ctx, n.cfg.Exec, "modprobe", "-qr", "null_blk"); err != nil {
		n.logger.Log(logging.LevelError, "Could not unload null_blk.", "err", err)
		return false
	}
	return true
}
