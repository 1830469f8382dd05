// Package hosttest provides a fake device directory and a fake fabrics driver that
// together play the kernel side of a loop connect.
package hosttest

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
)

// Devices is an in-memory topology.DeviceDir.
type Devices struct {
	mutex sync.Mutex
	names []string
	char  map[string]bool
	block map[string]bool
}

func NewDevices() *Devices {
	return &Devices{
		names: []string{"null", "loop0", "nvme-fabrics"},
		char:  map[string]bool{},
		block: map[string]bool{"loop0": true},
	}
}

func (d *Devices) Add(name string, char bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.names = append(d.names, name)
	if char {
		d.char[name] = true
	} else {
		d.block[name] = true
	}
}

func (d *Devices) List() ([]string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.names...), nil
}

func (d *Devices) Path(name string) string { return "/dev/" + name }

func (d *Devices) IsBlockDevice(name string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.block[name], nil
}

func (d *Devices) IsCharDevice(name string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.char[name], nil
}

// Fabrics creates the next controller on every connect, with NamespaceCount(nqn)
// namespaces, in the device directory and the attribute tree.
type Fabrics struct {
	Devices *Devices
	Attrs   sysfs.Tree
	// Namespaces is consulted by the default NamespaceCount.
	Namespaces     map[string]int
	NamespaceCount func(nqn string) int
	FailConnect    map[string]bool

	mutex       sync.Mutex
	next        int
	connects    []string
	disconnects []string
}

func NewFabrics(devices *Devices, attrs sysfs.Tree) *Fabrics {
	f := &Fabrics{
		Devices:     devices,
		Attrs:       attrs,
		Namespaces:  map[string]int{},
		FailConnect: map[string]bool{},
	}
	f.NamespaceCount = func(nqn string) int { return f.Namespaces[nqn] }
	return f
}

func (f *Fabrics) Connect(ctx context.Context, transport, nqn string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.connects = append(f.connects, fmt.Sprintf("transport=%s,nqn=%s", transport, nqn))
	if f.FailConnect[nqn] {
		return errors.Errorf("connect to %s refused", nqn)
	}

	ctrl := fmt.Sprintf("nvme%d", f.next)
	f.next++

	f.Devices.Add(ctrl, true)
	if err := f.Attrs.MakeDir(ctrl); err != nil {
		return err
	}
	if err := f.Attrs.WriteAttr(path.Join(ctrl, "subsysnqn"), nqn+"\n"); err != nil {
		return err
	}
	for i := 1; i <= f.NamespaceCount(nqn); i++ {
		ns := fmt.Sprintf("%sn%d", ctrl, i)
		f.Devices.Add(ns, false)
		if err := f.Attrs.MakeDir(path.Join(ctrl, ns)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fabrics) Disconnect(ctx context.Context, nqn string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.disconnects = append(f.disconnects, nqn)
	return nil
}

func (f *Fabrics) Connects() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *Fabrics) Disconnects() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.disconnects...)
}
