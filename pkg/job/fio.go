/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package job

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

// FioJob runs a time based fio workload against a device (Filename) or a directory on
// a mounted filesystem (Directory).
type FioJob struct {
	Name           string
	Filename       string
	Directory      string
	RW             string
	BlockSize      string
	Size           string
	NumJobs        int
	IODepth        int
	Runtime        time.Duration
	Loops          int
	IOEngine       string
	Direct         bool
	Invalidate     bool
	RandRepeat     bool
	GroupReporting bool
	ExpectedRC     int
	Exec           shell.Executor
}

func (j *FioJob) Kind() Kind { return KindFio }

func (j *FioJob) ForDevice(dev string) (Job, error) {
	c := *j
	c.Filename = dev
	c.Directory = ""
	return &c, nil
}

func (j *FioJob) ForDirectory(dir string) (Job, error) {
	if dir == "" {
		return nil, errors.New("fio directory must not be empty")
	}
	c := *j
	c.Directory = dir
	c.Filename = ""
	return &c, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (j *FioJob) args() []string {
	args := []string{
		"--group_reporting=" + flag(j.GroupReporting),
		"--rw=" + j.RW,
		"--bs=" + j.BlockSize,
		"--numjobs=" + strconv.Itoa(j.NumJobs),
		"--iodepth=" + strconv.Itoa(j.IODepth),
		"--runtime=" + strconv.Itoa(int(j.Runtime/time.Second)),
		"--loops=" + strconv.Itoa(j.Loops),
		"--ioengine=" + j.IOEngine,
		"--direct=" + flag(j.Direct),
		"--invalidate=" + flag(j.Invalidate),
		"--randrepeat=" + flag(j.RandRepeat),
		"--time_based",
		"--norandommap",
		"--exitall",
		"--size=" + j.Size,
	}
	if j.Directory != "" {
		args = append(args, "--directory="+j.Directory)
	} else {
		args = append(args, "--filename="+j.Filename)
	}
	return append(args, "--name="+j.Name)
}

func (j *FioJob) Run(ctx context.Context) error {
	if j.Filename == "" && j.Directory == "" {
		return errors.Errorf("fio job %s has neither a filename nor a directory", j.Name)
	}
	return run(ctx, j.Exec, j.ExpectedRC, "fio", j.args())
}

func (j *FioJob) Describe() string {
	return commandLine("fio", j.args())
}
