/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package host

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseIDCtrl turns the "key : value" lines of nvme id-ctrl output into a map. The
// header, the subsystem NQN and the power state descriptors are skipped.
func parseIDCtrl(lines []string) map[string]string {
	attrs := map[string]string{}
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "NVME Identify Controller"),
			strings.HasPrefix(line, "subnqn"),
			strings.HasPrefix(line, "ps "),
			strings.HasPrefix(strings.TrimSpace(line), "rwt"):
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		attrs[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return attrs
}

// SmartLog holds the I/O counters of one nvme smart-log report.
type SmartLog struct {
	DataUnitsRead     uint64
	DataUnitsWritten  uint64
	HostReadCommands  uint64
	HostWriteCommands uint64
}

func parseSmartLog(lines []string) (SmartLog, error) {
	var sl SmartLog
	fields := map[string]*uint64{
		"data_units_read":     &sl.DataUnitsRead,
		"data_units_written":  &sl.DataUnitsWritten,
		"host_read_commands":  &sl.HostReadCommands,
		"host_write_commands": &sl.HostWriteCommands,
	}

	found := 0
	for _, line := range lines {
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		dst, ok := fields[strings.TrimSpace(kv[0])]
		if !ok {
			continue
		}
		value := strings.Fields(strings.ReplaceAll(kv[1], ",", ""))
		if len(value) == 0 {
			return sl, errors.Errorf("smart-log field %s has no value", strings.TrimSpace(kv[0]))
		}
		n, err := strconv.ParseUint(value[0], 10, 64)
		if err != nil {
			return sl, errors.WithMessagef(err, "could not parse smart-log field %s", strings.TrimSpace(kv[0]))
		}
		*dst = n
		found++
	}
	if found != len(fields) {
		return sl, errors.Errorf("smart-log output has %d of %d expected fields", found, len(fields))
	}
	return sl, nil
}
