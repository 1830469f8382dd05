/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package host

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

// DefaultFabricsDevice is the kernel's fabrics connect interface.
const DefaultFabricsDevice = "/dev/nvme-fabrics"

// Fabrics connects and disconnects controllers of remote subsystems.
type Fabrics interface {
	Connect(ctx context.Context, transport, nqn string) error
	Disconnect(ctx context.Context, nqn string) error
}

// FabricsDevice connects by writing an option string to the fabrics device and
// disconnects with the nvme tool.
type FabricsDevice struct {
	Path string
	Exec shell.Executor
}

func (f *FabricsDevice) Connect(ctx context.Context, transport, nqn string) error {
	path := f.Path
	if path == "" {
		path = DefaultFabricsDevice
	}

	dev, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.WithMessagef(err, "could not open %s", path)
	}
	if _, err := fmt.Fprintf(dev, "transport=%s,nqn=%s", transport, nqn); err != nil {
		dev.Close()
		return errors.WithMessagef(err, "host connect to %s failed", nqn)
	}
	return errors.WithMessagef(dev.Close(), "host connect to %s failed", nqn)
}

func (f *FabricsDevice) Disconnect(ctx context.Context, nqn string) error {
	return shell.Check(ctx, f.Exec, "nvme", "disconnect", "-n", nqn)
}
