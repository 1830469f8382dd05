/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package topology

import "fmt"

// DiscoveryError is returned when an expected controller or namespace device is not found.
type DiscoveryError struct {
	What   string
	Reason string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery of %s failed: %s", e.What, e.Reason)
}

// ValidationError is returned when the device directory and the attribute tree disagree.
type ValidationError struct {
	Controller string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("topology of %s does not validate: %s", e.Controller, e.Reason)
}
