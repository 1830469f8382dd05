/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package job

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

// Direction of a dd transfer relative to the namespace device.
type Direction string

const (
	Read  Direction = "read"
	Write Direction = "write"
)

// DdJob copies Count blocks of BlockSize bytes from InputFile to OutputFile.
// For a Read the namespace device becomes the input, for a Write the output.
type DdJob struct {
	Direction  Direction
	InputFile  string
	OutputFile string
	BlockSize  string
	Count      int
	ExpectedRC int
	Exec       shell.Executor
}

func (j *DdJob) Kind() Kind { return KindDd }

func (j *DdJob) ForDevice(dev string) (Job, error) {
	c := *j
	switch j.Direction {
	case Read:
		c.InputFile = dev
	case Write:
		c.OutputFile = dev
	default:
		return nil, errors.Errorf("dd direction %q not supported", j.Direction)
	}
	return &c, nil
}

func (j *DdJob) args() []string {
	return []string{
		"if=" + j.InputFile,
		"of=" + j.OutputFile,
		"bs=" + j.BlockSize,
		"count=" + strconv.Itoa(j.Count),
	}
}

func (j *DdJob) Run(ctx context.Context) error {
	if j.InputFile == "" || j.OutputFile == "" {
		return errors.Errorf("dd job is missing a device: %s", j.Describe())
	}
	return run(ctx, j.Exec, j.ExpectedRC, "dd", j.args())
}

func (j *DdJob) Describe() string {
	return commandLine("dd", j.args())
}
