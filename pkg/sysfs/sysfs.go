/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sysfs gives access to the kernel's hierarchical attribute trees: sysfs for the
// host-side controller view and configfs for target configuration. Paths are always
// relative to the tree root, so tests can point a Tree at a temporary directory.
package sysfs

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Tree is the attribute tree contract consumed by topology validation and by target
// configuration.
type Tree interface {
	// ReadAttr returns the attribute value with trailing whitespace removed.
	ReadAttr(path string) (string, error)
	// WriteAttr writes a single attribute value.
	WriteAttr(path, value string) error
	// ListChildren returns the names of the entries under path, sorted.
	ListChildren(path string) ([]string, error)
	MakeDir(path string) error
	RemoveDir(path string) error
	// Link creates the symbolic link newPath pointing at the tree entry oldPath.
	Link(oldPath, newPath string) error
	Unlink(path string) error
	Exists(path string) bool
}

// OSTree is a Tree rooted at a directory of the local filesystem.
type OSTree struct {
	Root string
}

// NewOSTree returns a tree rooted at root, e.g. "/sys/class/nvme-fabrics/ctl" or "/sys/kernel/config".
func NewOSTree(root string) *OSTree {
	return &OSTree{Root: root}
}

func (t *OSTree) abs(path string) string {
	return filepath.Join(t.Root, path)
}

func (t *OSTree) ReadAttr(path string) (string, error) {
	data, err := ioutil.ReadFile(t.abs(path))
	if err != nil {
		return "", errors.WithMessagef(err, "could not read attribute %s", path)
	}
	return strings.TrimRight(string(data), " \n\t"), nil
}

func (t *OSTree) WriteAttr(path, value string) error {
	// Attribute files already exist in sysfs and configfs; O_CREATE only matters for plain directories.
	f, err := os.OpenFile(t.abs(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithMessagef(err, "could not open attribute %s", path)
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return errors.WithMessagef(err, "could not write %q to %s", value, path)
	}
	return errors.WithMessagef(f.Close(), "could not close attribute %s", path)
}

func (t *OSTree) ListChildren(path string) ([]string, error) {
	infos, err := ioutil.ReadDir(t.abs(path))
	if err != nil {
		return nil, errors.WithMessagef(err, "could not list %s", path)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (t *OSTree) MakeDir(path string) error {
	return errors.WithMessagef(os.MkdirAll(t.abs(path), 0755), "could not create %s", path)
}

// RemoveDir removes a directory entry. configfs directories must be removed with rmdir
// while they still contain their attribute files, so a plain os.Remove is tried first.
func (t *OSTree) RemoveDir(path string) error {
	err := os.Remove(t.abs(path))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if rerr := os.RemoveAll(t.abs(path)); rerr != nil {
		return errors.WithMessagef(rerr, "could not remove %s", path)
	}
	return nil
}

func (t *OSTree) Link(oldPath, newPath string) error {
	return errors.WithMessagef(os.Symlink(t.abs(oldPath), t.abs(newPath)),
		"could not link %s to %s", newPath, oldPath)
}

func (t *OSTree) Unlink(path string) error {
	err := os.Remove(t.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "could not unlink %s", path)
	}
	return nil
}

func (t *OSTree) Exists(path string) bool {
	_, err := os.Lstat(t.abs(path))
	return err == nil
}
