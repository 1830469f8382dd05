/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package target

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ZeroNGUID is the namespace globally unique identifier of generated configurations.
const ZeroNGUID = "00000000-0000-0000-0000-000000000000"

// Config is a target configuration file, e.g. config/loop.json. Fields are declared in
// key order so written files match the ones produced by earlier tooling.
type Config struct {
	Ports      []PortConfig      `json:"ports" yaml:"ports"`
	Subsystems []SubsystemConfig `json:"subsystems" yaml:"subsystems"`
}

type PortConfig struct {
	Addr       AddrConfig    `json:"addr" yaml:"addr"`
	PortID     int           `json:"portid" yaml:"portid"`
	Referrals  []interface{} `json:"referrals" yaml:"referrals"`
	Subsystems []string      `json:"subsystems" yaml:"subsystems"`
}

type AddrConfig struct {
	AdrFam  string `json:"adrfam" yaml:"adrfam"`
	TrAddr  string `json:"traddr" yaml:"traddr"`
	TrEq    string `json:"treq" yaml:"treq"`
	TrSvcID string `json:"trsvcid" yaml:"trsvcid"`
	TrType  string `json:"trtype" yaml:"trtype"`
}

type SubsystemConfig struct {
	AllowedHosts []string          `json:"allowed_hosts" yaml:"allowed_hosts"`
	Attr         SubsystemAttr     `json:"attr" yaml:"attr"`
	Namespaces   []NamespaceConfig `json:"namespaces" yaml:"namespaces"`
	NQN          string            `json:"nqn" yaml:"nqn"`
}

type SubsystemAttr struct {
	AllowAnyHost string `json:"allow_any_host" yaml:"allow_any_host"`
}

type NamespaceConfig struct {
	Device DeviceConfig `json:"device" yaml:"device"`
	Enable int          `json:"enable" yaml:"enable"`
	NSID   int          `json:"nsid" yaml:"nsid"`
}

type DeviceConfig struct {
	NGUID string `json:"nguid" yaml:"nguid"`
	Path  string `json:"path" yaml:"path"`
}

// NQNs returns the subsystem NQNs in configuration order.
func (c *Config) NQNs() []string {
	nqns := make([]string, len(c.Subsystems))
	for i, ss := range c.Subsystems {
		nqns[i] = ss.NQN
	}
	return nqns
}

// Validate checks the references inside the configuration.
func (c *Config) Validate() error {
	known := map[string]bool{}
	for _, ss := range c.Subsystems {
		if ss.NQN == "" {
			return errors.New("subsystem without nqn")
		}
		if known[ss.NQN] {
			return errors.Errorf("duplicate subsystem %s", ss.NQN)
		}
		known[ss.NQN] = true
		for _, ns := range ss.Namespaces {
			if ns.Device.Path == "" {
				return errors.Errorf("namespace %d of %s has no device path", ns.NSID, ss.NQN)
			}
		}
	}
	for _, p := range c.Ports {
		for _, nqn := range p.Subsystems {
			if !known[nqn] {
				return errors.Errorf("port %d references unknown subsystem %s", p.PortID, nqn)
			}
		}
	}
	return nil
}

// AssignNGUIDs replaces every all-zero or empty NGUID with a random one.
func (c *Config) AssignNGUIDs() {
	for i := range c.Subsystems {
		for j := range c.Subsystems[i].Namespaces {
			dev := &c.Subsystems[i].Namespaces[j].Device
			if dev.NGUID == "" || dev.NGUID == ZeroNGUID {
				dev.NGUID = uuid.New().String()
			}
		}
	}
}

// GenerateConfig builds a loop target with nrSubsys subsystems named testnqn1..N, each with
// nrNS enabled namespaces backed round-robin by devices, all exported on loop port 1.
func GenerateConfig(nrSubsys, nrNS int, devices []string) (*Config, error) {
	if nrSubsys < 1 || nrNS < 1 {
		return nil, errors.Errorf("need at least one subsystem and namespace, got %d and %d", nrSubsys, nrNS)
	}
	if len(devices) == 0 {
		return nil, errors.New("no backing devices")
	}

	cfg := &Config{}
	var nqns []string
	for i := 0; i < nrSubsys; i++ {
		ss := SubsystemConfig{
			AllowedHosts: []string{"hostnqn"},
			Attr:         SubsystemAttr{AllowAnyHost: "1"},
			NQN:          fmt.Sprintf("testnqn%d", i+1),
		}
		for j := 0; j < nrNS; j++ {
			ss.Namespaces = append(ss.Namespaces, NamespaceConfig{
				Device: DeviceConfig{NGUID: ZeroNGUID, Path: devices[j%len(devices)]},
				Enable: 1,
				NSID:   j + 1,
			})
		}
		cfg.Subsystems = append(cfg.Subsystems, ss)
		nqns = append(nqns, ss.NQN)
	}

	cfg.Ports = []PortConfig{{
		Addr:       AddrConfig{TrEq: "not specified", TrType: TransportLoop},
		PortID:     1,
		Referrals:  []interface{}{nil},
		Subsystems: nqns,
	}}
	return cfg, nil
}

// LoadConfig reads a target configuration. JSON files are read as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read target config %s", path)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithMessagef(err, "could not parse target config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid target config %s", path)
	}
	return cfg, nil
}

// WriteConfig writes cfg as JSON indented by four spaces.
func WriteConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return errors.WithMessage(err, "could not encode target config")
	}
	return errors.WithMessagef(ioutil.WriteFile(path, append(data, '\n'), 0644),
		"could not write target config %s", path)
}
