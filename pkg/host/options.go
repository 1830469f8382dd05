/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package host

import (
	"math/rand"
	"time"

	"github.com/nvmf-harness/nvmftests/pkg/events"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/shell"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
	"github.com/nvmf-harness/nvmftests/pkg/topology"
)

const (
	TransportLoop = "loop"

	// DefaultSysfsSettle is the wait between namespace initialization and attribute validation.
	DefaultSysfsSettle = time.Second
)

// Options carries the collaborators shared by a host, its controllers and their namespaces.
type Options struct {
	Transport string
	Exec      shell.Executor
	Fabrics   Fabrics
	Resolver  *topology.Resolver
	// Attrs is rooted at the fabrics controller class, the same tree the resolver validates against.
	Attrs       sysfs.Tree
	Logger      logging.Logger
	Interceptor events.Interceptor

	TerminateTimeout time.Duration
	SysfsSettle      time.Duration
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
	// Rand drives random traversal. It is not safe for concurrent use, and neither is
	// RunRandom on aggregates sharing it.
	Rand *rand.Rand

	// MountRoot and CheckDevice are handed to the filesystem drivers.
	MountRoot   string
	CheckDevice func(device string) error
}

func (o Options) withDefaults() Options {
	if o.Transport == "" {
		o.Transport = TransportLoop
	}
	if o.SysfsSettle == 0 {
		o.SysfsSettle = DefaultSysfsSettle
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o.Logger = logging.OrNil(o.Logger)
	return o
}
