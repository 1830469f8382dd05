/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blockdev provides the block devices backing target namespaces: loop devices
// over plain files, or null_blk devices.
package blockdev

import (
	"context"
)

// Devices is a set of backing block devices.
type Devices interface {
	// Init creates the devices.
	Init(ctx context.Context) error
	// Paths returns the device paths in creation order.
	Paths() []string
	// Delete removes the devices, continuing past failures.
	Delete(ctx context.Context) bool
}
