/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package topology

import (
	"io/ioutil"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DeviceDir is the enumerable device directory the resolver scans, normally /dev.
type DeviceDir interface {
	// List returns the entry names of the directory, in no particular order.
	List() ([]string, error)
	// Path returns the full path of the named entry.
	Path(name string) string
	IsBlockDevice(name string) (bool, error)
	IsCharDevice(name string) (bool, error)
}

type OSDeviceDir struct {
	Root string
}

func NewOSDeviceDir(root string) *OSDeviceDir {
	return &OSDeviceDir{Root: root}
}

func (d *OSDeviceDir) List() ([]string, error) {
	infos, err := ioutil.ReadDir(d.Root)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not list %s", d.Root)
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

func (d *OSDeviceDir) Path(name string) string {
	return filepath.Join(d.Root, name)
}

func (d *OSDeviceDir) mode(name string) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(d.Path(name), &st); err != nil {
		return 0, errors.WithMessagef(err, "could not stat %s", d.Path(name))
	}
	return st.Mode & unix.S_IFMT, nil
}

func (d *OSDeviceDir) IsBlockDevice(name string) (bool, error) {
	m, err := d.mode(name)
	if err != nil {
		return false, err
	}
	return m == unix.S_IFBLK, nil
}

func (d *OSDeviceDir) IsCharDevice(name string) (bool, error) {
	m, err := d.mode(name)
	if err != nil {
		return false, err
	}
	return m == unix.S_IFCHR, nil
}
