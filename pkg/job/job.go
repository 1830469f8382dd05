/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package job describes the units of I/O work a namespace worker executes.
//
// A Job is a tagged variant: DdJob or FioJob. Templates are written once by a test and
// cloned per namespace with the device (or mount directory) rewritten, so one template is
// never shared mutably between workers.
package job

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

// Kind tags the job variant.
type Kind string

const (
	KindDd  Kind = "dd"
	KindFio Kind = "fio"
)

// Job is one unit of work for a namespace worker.
type Job interface {
	Kind() Kind
	// ForDevice returns a copy of the job retargeted at a namespace block device.
	ForDevice(dev string) (Job, error)
	// Run executes the job synchronously. It returns an error when the embedded command
	// could not run or did not exit with the expected return code.
	Run(ctx context.Context) error
	// Describe returns the command line for diagnostics.
	Describe() string
}

// DirectoryJob is implemented by jobs that can run against a mounted filesystem instead
// of a raw device.
type DirectoryJob interface {
	Job
	ForDirectory(dir string) (Job, error)
}

// ExitError reports a command that ran to completion with an unexpected return code.
type ExitError struct {
	Command    string
	ExitCode   int
	ExpectedRC int
	Output     string
}

func (e *ExitError) Error() string {
	return "command " + strconv.Quote(e.Command) + " exited with " + strconv.Itoa(e.ExitCode) +
		", expected " + strconv.Itoa(e.ExpectedRC)
}

func run(ctx context.Context, exec shell.Executor, expectedRC int, name string, args []string) error {
	if exec == nil {
		return errors.Errorf("no executor set for %s job", name)
	}

	res, err := exec.Run(ctx, name, args...)
	if err != nil {
		return errors.WithMessagef(err, "could not execute %s", name)
	}
	if !res.Succeeded(expectedRC) {
		return &ExitError{
			Command:    commandLine(name, args),
			ExitCode:   res.ExitCode,
			ExpectedRC: expectedRC,
			Output:     string(res.Output),
		}
	}
	return nil
}

func commandLine(name string, args []string) string {
	s := name
	for _, a := range args {
		s += " " + a
	}
	return s
}
