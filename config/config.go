/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config holds the run configuration of the test harness. A Config is loaded
// explicitly and handed to the components that need it; there is no global instance.
package config

import (
	"io/ioutil"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	PoolLoop    = "loop"
	PoolNullBlk = "null_blk"
)

// Duration is a time.Duration written as a Go duration string ("2s", "200ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Size is a byte count written in human readable form ("4KiB", "128MiB", "1GB").
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(s)), nil
}

// Fio holds the fio parameters of the random read template.
type Fio struct {
	RW        string   `yaml:"rw"`
	BlockSize string   `yaml:"bs"`
	NumJobs   int      `yaml:"numjobs"`
	IODepth   int      `yaml:"iodepth"`
	Runtime   Duration `yaml:"runtime"`
	Loops     int      `yaml:"loops"`
	IOEngine  string   `yaml:"ioengine"`
	Size      string   `yaml:"size"`
}

type Config struct {
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"logLevel"`

	// Host side paths.
	DevDir       string `yaml:"devDir"`
	FabricsDev   string `yaml:"fabricsDev"`
	SysfsCtlRoot string `yaml:"sysfsCtlRoot"`
	MountRoot    string `yaml:"mountRoot"`

	// Target side paths. TargetConfigFile, if set, receives the generated target config.
	ConfigFSRoot     string `yaml:"configfsRoot"`
	TargetConfigFile string `yaml:"targetConfigFile"`

	NamespaceSettle  Duration `yaml:"namespaceSettle"`
	SysfsSettle      Duration `yaml:"sysfsSettle"`
	TerminateTimeout Duration `yaml:"terminateTimeout"`
	BlockDevAttempts uint     `yaml:"blockDevAttempts"`
	BlockDevDelay    Duration `yaml:"blockDevDelay"`

	// Backing devices: BlockDevPool selects loop files or null_blk devices.
	BlockDevPool string `yaml:"blockDevPool"`
	LoopDir      string `yaml:"loopDir"`
	DataSize     Size   `yaml:"dataSize"`
	BlockSize    Size   `yaml:"blockSize"`
	NrDev        int    `yaml:"nrDev"`

	NrTargetSubsys int `yaml:"nrTargetSubsys"`
	NrNSPerSubsys  int `yaml:"nrNSPerSubsys"`

	// Event sinks, disabled when empty.
	JournalDir string `yaml:"journalDir"`
	ResultsDir string `yaml:"resultsDir"`

	FioRead Fio `yaml:"fioRead"`
}

func Default() *Config {
	return &Config{
		Transport: "loop",
		LogLevel:  "info",

		DevDir:       "/dev",
		FabricsDev:   "/dev/nvme-fabrics",
		SysfsCtlRoot: "/sys/class/nvme-fabrics/ctl",
		MountRoot:    "/mnt",

		ConfigFSRoot: "/sys/kernel/config",

		NamespaceSettle:  Duration(2 * time.Second),
		SysfsSettle:      Duration(time.Second),
		TerminateTimeout: Duration(time.Minute),
		BlockDevAttempts: 5,
		BlockDevDelay:    Duration(200 * time.Millisecond),

		BlockDevPool: PoolLoop,
		LoopDir:      "/tmp/nvmftests",
		DataSize:     Size(128 * humanize.MiByte),
		BlockSize:    Size(4 * humanize.KiByte),
		NrDev:        3,

		NrTargetSubsys: 1,
		NrNSPerSubsys:  3,

		FioRead: Fio{
			RW:        "randread",
			BlockSize: "4k",
			NumJobs:   4,
			IODepth:   8,
			Runtime:   Duration(10 * time.Second),
			Loops:     1,
			IOEngine:  "libaio",
			Size:      "100M",
		},
	}
}

// Load reads a YAML (or JSON) file over the defaults.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read config file %s", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithMessagef(err, "could not unmarshal config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config file %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Transport != "loop":
		return errors.Errorf("transport %q not supported", c.Transport)
	case c.BlockDevPool != PoolLoop && c.BlockDevPool != PoolNullBlk:
		return errors.Errorf("unknown block device pool %q", c.BlockDevPool)
	case c.BlockSize <= 0 || c.DataSize < c.BlockSize:
		return errors.Errorf("data size %d must be at least one block of %d", c.DataSize, c.BlockSize)
	case c.NrDev < 1:
		return errors.Errorf("need at least one backing device, got %d", c.NrDev)
	case c.NrTargetSubsys < 1 || c.NrNSPerSubsys < 1:
		return errors.Errorf("need at least one subsystem and namespace, got %d and %d",
			c.NrTargetSubsys, c.NrNSPerSubsys)
	}
	return nil
}

// BlockCount is the number of BlockSize blocks in DataSize.
func (c *Config) BlockCount() int {
	return int(c.DataSize / c.BlockSize)
}
