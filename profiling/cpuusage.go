// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package profiling

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
)

// CPUUsage holds shares of total CPU time, each between 0 and 1.
type CPUUsage struct {
	Load   float64
	System float64
	IOWait float64
}

// StatReader returns the aggregate CPU counters of the host.
type StatReader func() (procfs.CPUStat, error)

// ProcStat reads /proc/stat.
func ProcStat() (procfs.CPUStat, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return procfs.CPUStat{}, errors.WithMessage(err, "could not open procfs")
	}
	stat, err := fs.Stat()
	if err != nil {
		return procfs.CPUStat{}, errors.WithMessage(err, "could not read statistics")
	}
	return stat.CPUTotal, nil
}

// MonitorCPU samples CPU usage every interval and passes it to report, until ctx is done.
// I/O jobs of a loop transport run entirely on the local CPUs, so the load is reported
// alongside the job metrics.
func MonitorCPU(ctx context.Context, read StatReader, interval time.Duration, logger zerolog.Logger, report func(CPUUsage)) {
	old, err := read()
	if err != nil {
		logger.Error().Err(err).Msg("Could not read statistics.")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur, err := read()
		if err != nil {
			logger.Error().Err(err).Msg("Could not read statistics.")
			continue
		}
		report(Usage(old, cur))
		old = cur
	}
}

// Usage computes the CPU usage between two samples.
func Usage(old, cur procfs.CPUStat) CPUUsage {
	diff := diffCPUStat(cur, old)
	total := sumCPUStat(diff)
	if total <= 0 {
		return CPUUsage{}
	}

	// Sum of all except Idle
	load := total - diff.Idle
	return CPUUsage{
		Load:   load / total,
		System: diff.System / total,
		IOWait: diff.Iowait / total,
	}
}

func sumCPUStat(stat procfs.CPUStat) float64 {
	return stat.User +
		stat.Nice +
		stat.System +
		stat.Idle +
		stat.Iowait +
		stat.IRQ +
		stat.SoftIRQ +
		stat.Steal +
		stat.Guest +
		stat.GuestNice
}

func diffCPUStat(first procfs.CPUStat, second procfs.CPUStat) procfs.CPUStat {
	return procfs.CPUStat{
		User:      first.User - second.User,
		Nice:      first.Nice - second.Nice,
		System:    first.System - second.System,
		Idle:      first.Idle - second.Idle,
		Iowait:    first.Iowait - second.Iowait,
		IRQ:       first.IRQ - second.IRQ,
		SoftIRQ:   first.SoftIRQ - second.SoftIRQ,
		Steal:     first.Steal - second.Steal,
		Guest:     first.Guest - second.Guest,
		GuestNice: first.GuestNice - second.GuestNice,
	}
}
