/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package nvmftests

import (
	"time"

	"github.com/nvmf-harness/nvmftests/pkg/job"
)

// DdRead reads the whole data size of a namespace into /dev/null.
func (h *Harness) DdRead() *job.DdJob {
	return &job.DdJob{
		Direction:  job.Read,
		OutputFile: "/dev/null",
		BlockSize:  "4K",
		Count:      h.cfg.BlockCount(),
		Exec:       h.exec,
	}
}

// DdWrite overwrites the whole data size of a namespace with zeroes.
func (h *Harness) DdWrite() *job.DdJob {
	return &job.DdJob{
		Direction: job.Write,
		InputFile: "/dev/zero",
		BlockSize: "4K",
		Count:     h.cfg.BlockCount(),
		Exec:      h.exec,
	}
}

// FioRandRead is the configured fio workload. It runs against a namespace device or, via
// RunFSIOs, a directory on its filesystem.
func (h *Harness) FioRandRead() *job.FioJob {
	f := h.cfg.FioRead
	return &job.FioJob{
		Name:           "nvmftests",
		RW:             f.RW,
		BlockSize:      f.BlockSize,
		Size:           f.Size,
		NumJobs:        f.NumJobs,
		IODepth:        f.IODepth,
		Runtime:        time.Duration(f.Runtime),
		Loops:          f.Loops,
		IOEngine:       f.IOEngine,
		Direct:         true,
		Invalidate:     true,
		RandRepeat:     true,
		GroupReporting: true,
		Exec:           h.exec,
	}
}
