/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package events describes the job lifecycle notifications emitted by namespace workers.
// Interceptors receive them for journaling, result bookkeeping and metrics.
package events

import (
	"time"

	"github.com/pkg/errors"
)

// Phase is the point of the job lifecycle an Event reports.
type Phase int

const (
	Submitted Phase = iota
	Started
	Finished
	// Rejected is emitted when a submission is refused because the worker is not running.
	Rejected
)

func (p Phase) String() string {
	switch p {
	case Submitted:
		return "submitted"
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	for _, p := range []Phase{Submitted, Started, Finished, Rejected} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown job phase %q", s)
}

// Event is one job lifecycle notification.
type Event struct {
	// Device is the namespace block device the job belongs to, e.g. /dev/nvme0n1.
	Device string
	// Seq numbers the jobs of one worker in submission order, starting at 1.
	Seq   uint64
	Kind  string
	Phase Phase
	Time  time.Time
	// Duration is set on Finished events only.
	Duration time.Duration
	// Err is the failure text of a Finished or Rejected event, empty on success.
	Err string
}

// OK reports whether a Finished event describes a successful job.
func (e *Event) OK() bool {
	return e.Err == ""
}

// Interceptor observes job events. Implementations must be safe for concurrent use:
// every namespace worker calls Intercept from its own goroutine.
type Interceptor interface {
	Intercept(e *Event) error
}

type multi []Interceptor

// Multi fans each event out to all interceptors. All of them see every event; the
// first error is returned.
func Multi(interceptors ...Interceptor) Interceptor {
	var m multi
	for _, i := range interceptors {
		if i != nil {
			m = append(m, i)
		}
	}
	return m
}

func (m multi) Intercept(e *Event) error {
	var first error
	for _, i := range m {
		if err := i.Intercept(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InterceptorFunc adapts a plain function.
type InterceptorFunc func(e *Event) error

func (f InterceptorFunc) Intercept(e *Event) error {
	return f(e)
}
