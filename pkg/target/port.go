/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package target

import (
	"path"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
)

type Port struct {
	cfs        sysfs.Tree
	id         int
	path       string
	logger     logging.Logger
	subsystems []string
}

func newPort(cfs sysfs.Tree, id int, logger logging.Logger) *Port {
	return &Port{
		cfs:    cfs,
		id:     id,
		path:   path.Join(portsDir, strconv.Itoa(id)),
		logger: logging.Decorate(logger, "port: ", "port", id),
	}
}

func (p *Port) ID() int {
	return p.id
}

// Subsystems returns the NQNs exported on this port.
func (p *Port) Subsystems() []string {
	return append([]string(nil), p.subsystems...)
}

func (p *Port) init(trtype string) error {
	if trtype != TransportLoop {
		return errors.Errorf("port %d: only the loop transport is supported, not %q", p.id, trtype)
	}
	if err := p.cfs.MakeDir(path.Join(p.path, "subsystems")); err != nil {
		return errors.WithMessagef(err, "failed to create port %d", p.id)
	}
	if err := p.cfs.WriteAttr(path.Join(p.path, "addr_trtype"), trtype); err != nil {
		return errors.WithMessagef(err, "trtype of port %d failed", p.id)
	}
	p.logger.Log(logging.LevelInfo, "Port initialized.")
	return nil
}

// AddSubsystem exports the subsystem on this port.
func (p *Port) AddSubsystem(nqn string) error {
	src := path.Join(subsystemsDir, nqn)
	if !p.cfs.Exists(src) {
		return errors.Errorf("subsystem %s not present", nqn)
	}
	if err := p.cfs.Link(src, path.Join(p.path, "subsystems", nqn)); err != nil {
		return err
	}
	p.subsystems = append(p.subsystems, nqn)
	p.logger.Log(logging.LevelInfo, "Subsystem added to port.", "nqn", nqn)
	return nil
}

// Delete unlinks the exported subsystems and removes the port.
func (p *Port) Delete() bool {
	p.logger.Log(logging.LevelInfo, "Deleting port.")
	ok := true
	for _, nqn := range p.subsystems {
		if err := p.cfs.Unlink(path.Join(p.path, "subsystems", nqn)); err != nil {
			p.logger.Log(logging.LevelError, "Could not unlink subsystem.", "nqn", nqn, "err", err)
			ok = false
		}
	}
	if err := p.cfs.RemoveDir(p.path); err != nil {
		p.logger.Log(logging.LevelError, "Could not remove port.", "err", err)
		ok = false
	}
	return ok
}
