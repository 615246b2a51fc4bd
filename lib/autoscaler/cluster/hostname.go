// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"fmt"
	"regexp"

	"git.arvados.org/fleetscaler.git/lib/cloud"
)

var privateDNSRe = regexp.MustCompile(`^(ip-[^.]+)\..+$`)

// InvalidHostnameError is returned when a node hostname cannot be
// derived from the private DNS name of an instance.
type InvalidHostnameError struct {
	InstanceID cloud.InstanceID
	PrivateDNS string
}

func (e *InvalidHostnameError) Error() string {
	return fmt.Sprintf("instance %s: private DNS name %q does not look like ip-N-N-N-N.<domain>", e.InstanceID, e.PrivateDNS)
}

// NodeHostname returns the hostname the node running on inst will
// have: the first label of its private DNS name.
func NodeHostname(inst cloud.InstanceData) (string, error) {
	m := privateDNSRe.FindStringSubmatch(inst.PrivateDNSName)
	if m == nil {
		return "", &InvalidHostnameError{InstanceID: inst.ID, PrivateDNS: inst.PrivateDNSName}
	}
	return m[1], nil
}
