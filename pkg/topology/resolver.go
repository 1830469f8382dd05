/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package topology finds the controller and namespace device nodes created by a fabrics
// connect, and checks them against the controller's attribute tree.
//
// Namespace nodes are created asynchronously by the kernel after the controller node shows
// up, and the device directory offers no completion signal. Discovery therefore waits a
// fixed settle interval and rescans once. This is racy when several connects run
// concurrently on one host; callers configure controllers one at a time.
package topology

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/maruel/natural"
	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
)

var controllerPattern = regexp.MustCompile(`^nvme[0-9]+$`)

const (
	DefaultSettle           = 2 * time.Second
	DefaultBlockDevAttempts = 5
	DefaultBlockDevDelay    = 200 * time.Millisecond
)

type Config struct {
	Devices DeviceDir
	// Attrs is rooted at the fabrics controller class, /sys/class/nvme-fabrics/ctl.
	Attrs sysfs.Tree
	// Settle is the fixed wait before namespaces are looked up.
	Settle time.Duration
	// Sleep defaults to time.Sleep.
	Sleep            func(time.Duration)
	BlockDevAttempts uint
	BlockDevDelay    time.Duration
	Logger           logging.Logger
}

type Resolver struct {
	devices          DeviceDir
	attrs            sysfs.Tree
	settle           time.Duration
	sleep            func(time.Duration)
	blockDevAttempts uint
	blockDevDelay    time.Duration
	logger           logging.Logger
}

func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		devices:          cfg.Devices,
		attrs:            cfg.Attrs,
		settle:           cfg.Settle,
		sleep:            cfg.Sleep,
		blockDevAttempts: cfg.BlockDevAttempts,
		blockDevDelay:    cfg.BlockDevDelay,
		logger:           logging.OrNil(cfg.Logger),
	}
	if r.settle == 0 {
		r.settle = DefaultSettle
	}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}
	if r.blockDevAttempts == 0 {
		r.blockDevAttempts = DefaultBlockDevAttempts
	}
	if r.blockDevDelay == 0 {
		r.blockDevDelay = DefaultBlockDevDelay
	}
	return r
}

func (r *Resolver) Devices() DeviceDir {
	return r.devices
}

func (r *Resolver) sortedDevices() ([]string, error) {
	names, err := r.devices.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(names, func(i, j int) bool {
		return natural.Less(strings.ToLower(names[i]), strings.ToLower(names[j]))
	})
	return names, nil
}

func namespacePattern(ctrl string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(ctrl) + "n[0-9]+$")
}

// DiscoverController returns the controller node that sorts last in natural order,
// taken to be the one the latest connect created.
func (r *Resolver) DiscoverController() (string, error) {
	names, err := r.sortedDevices()
	if err != nil {
		return "", &DiscoveryError{What: "controller", Reason: err.Error()}
	}

	ctrl := ""
	for _, name := range names {
		if controllerPattern.MatchString(name) {
			ctrl = name
		}
	}
	if ctrl == "" {
		return "", &DiscoveryError{What: "controller", Reason: "no nvme controller device found"}
	}

	r.logger.Log(logging.LevelDebug, "Discovered controller.", "ctrl", ctrl)
	return ctrl, nil
}

// DiscoverNamespaces waits the settle interval, rescans the device directory and
// returns the namespaces of ctrl in natural order.
func (r *Resolver) DiscoverNamespaces(ctrl string) ([]string, error) {
	r.sleep(r.settle)

	names, err := r.sortedDevices()
	if err != nil {
		return nil, &DiscoveryError{What: "namespaces of " + ctrl, Reason: err.Error()}
	}

	pattern := namespacePattern(ctrl)
	var namespaces []string
	for _, name := range names {
		if pattern.MatchString(name) {
			namespaces = append(namespaces, name)
		}
	}
	if len(namespaces) == 0 {
		return nil, &DiscoveryError{What: "namespaces of " + ctrl, Reason: "no namespace device found"}
	}

	r.logger.Log(logging.LevelDebug, "Discovered namespaces.", "ctrl", ctrl, "namespaces", strings.Join(namespaces, ","))
	return namespaces, nil
}

// WaitBlockDevices retries until every named node is a block device. It never looks
// for new names: the set to wait for comes from DiscoverNamespaces.
func (r *Resolver) WaitBlockDevices(ctx context.Context, names []string) error {
	return retry.Do(
		func() error {
			for _, name := range names {
				ok, err := r.devices.IsBlockDevice(name)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("%s is not a block device", r.devices.Path(name))
				}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.blockDevAttempts),
		retry.Delay(r.blockDevDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Log(logging.LevelDebug, "Namespace node not ready.", "attempt", n+1, "err", err)
		}),
	)
}

// ValidateTopology checks that ctrl is the one controller in the attribute tree that
// advertises nqn, and that its namespace entries are exactly the discovered ones.
func (r *Resolver) ValidateTopology(nqn, ctrl string, namespaces []string) error {
	ctrls, err := r.attrs.ListChildren("")
	if err != nil {
		return &ValidationError{Controller: ctrl, Reason: err.Error()}
	}

	var advertising []string
	for _, c := range ctrls {
		subsysNQN, err := r.attrs.ReadAttr(c + "/subsysnqn")
		if err != nil {
			continue
		}
		if subsysNQN == nqn {
			advertising = append(advertising, c)
		}
	}
	if len(advertising) != 1 || advertising[0] != ctrl {
		return &ValidationError{
			Controller: ctrl,
			Reason:     fmt.Sprintf("subsystem %s is advertised by %v", nqn, advertising),
		}
	}

	children, err := r.attrs.ListChildren(ctrl)
	if err != nil {
		return &ValidationError{Controller: ctrl, Reason: err.Error()}
	}

	expected := map[string]bool{}
	for _, ns := range namespaces {
		expected[ns] = true
	}

	pattern := namespacePattern(ctrl)
	seen := map[string]bool{}
	for _, child := range children {
		if !pattern.MatchString(child) {
			continue
		}
		if !expected[child] {
			return &ValidationError{Controller: ctrl, Reason: fmt.Sprintf("namespace %s was not discovered", child)}
		}
		seen[child] = true
	}
	for _, ns := range namespaces {
		if !seen[ns] {
			return &ValidationError{Controller: ctrl, Reason: fmt.Sprintf("namespace %s missing from attribute tree", ns)}
		}
	}

	r.logger.Log(logging.LevelInfo, "Controller and namespace attributes validated.", "ctrl", ctrl, "nqn", nqn)
	return nil
}
