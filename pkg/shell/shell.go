/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package shell runs the external tools the harness depends on (modprobe, nvme, dd, fio, ...).
package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
)

// Result is the outcome of one finished command.
type Result struct {
	ExitCode int
	Output   []byte
}

// Succeeded reports whether the command exited with the expected return code.
func (r Result) Succeeded(expectedRC int) bool {
	return r.ExitCode == expectedRC
}

// Lines returns the combined output split into lines, without trailing newlines.
func (r Result) Lines() []string {
	out := strings.TrimRight(string(r.Output), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Executor runs a command synchronously. A non-nil error means the command could not be
// run at all; a command that ran and failed is reported through Result.ExitCode.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecCommandContext is overridable in tests.
var ExecCommandContext = exec.CommandContext

// OSExecutor runs commands on the local host.
type OSExecutor struct {
	Logger logging.Logger
}

// NewOSExecutor returns an Executor backed by os/exec.
func NewOSExecutor(logger logging.Logger) *OSExecutor {
	return &OSExecutor{Logger: logging.OrNil(logger)}
}

func (e *OSExecutor) Run(ctx context.Context, name string, args ...string) (Result, error) {
	logger := logging.OrNil(e.Logger)
	logger.Log(logging.LevelDebug, "Executing command.", "cmd", name+" "+strings.Join(args, " "))

	var out bytes.Buffer
	cmd := ExecCommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Output: out.Bytes()}
	if err == nil {
		return res, nil
	}

	if code, ok := exitCode(err); ok {
		res.ExitCode = code
		logger.Log(logging.LevelDebug, "Command exited with non-zero status.", "cmd", name, "rc", code)
		return res, nil
	}
	return res, errors.WithMessagef(err, "could not run %s", name)
}

// helper to isolate from exec.ExitError
func exitCode(err error) (int, bool) {
	type withExitCode interface{ ExitCode() int }

	var ec withExitCode
	if errors.As(err, &ec) {
		return ec.ExitCode(), true
	}
	return 0, false
}

// Check runs a command and turns anything other than a zero exit status into an error.
func Check(ctx context.Context, e Executor, name string, args ...string) error {
	res, err := e.Run(ctx, name, args...)
	if err != nil {
		return err
	}
	if !res.Succeeded(0) {
		return errors.Errorf("%s %s exited with %d: %s",
			name, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return nil
}
