/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package worker

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyStarted is returned by Init on a worker that left the Created state.
	// A terminated worker cannot be restarted; build a new one instead.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNilJob is returned by Submit when given no job.
	ErrNilJob = errors.New("nil job")

	// ErrTimeout is reported when Terminate gives up waiting for the worker goroutine.
	// There is no per-job timeout: a hung job keeps its worker busy forever.
	ErrTimeout = errors.New("timed out waiting for worker to exit")
)

// NotRunningError is returned when work is submitted to a worker that is not accepting jobs.
type NotRunningError struct {
	Device string
	State  State
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("worker for %s is not running (state %s)", e.Device, e.State)
}

// JobExecutionError wraps the failure of a job's embedded command.
type JobExecutionError struct {
	Device string
	Seq    uint64
	Err    error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %d on %s failed: %v", e.Seq, e.Device, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}
