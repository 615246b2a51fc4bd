// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"fmt"
	"time"
)

// Node labels written by the autoscaler.
const (
	LabelServicesReady            = "io.fleetscaler.services-ready"
	LabelServicesReadyLastChanged = LabelServicesReady + "-last-changed"
	LabelNodeFoundEmpty           = "io.fleetscaler.node-found-empty"
	LabelNodeTerminationStarted   = "io.fleetscaler.node-termination-started"
	// Placement constraint label tasks use to pin an instance
	// type, e.g. "node.labels.io.fleetscaler.ec2-instance-type==t3.large".
	LabelInstanceType = "io.fleetscaler.ec2-instance-type"
)

// ServicesReadyLabels are present on every node attached by the
// autoscaler.
var ServicesReadyLabels = []string{LabelServicesReady, LabelServicesReadyLastChanged}

// TimeFormat is the format of timestamps stored in node labels.
const TimeFormat = time.RFC3339Nano

// IsNodeReady returns true if the node accepts tasks.
func IsNodeReady(n Node) bool {
	return n.State == NodeStateReady &&
		n.Availability == AvailabilityActive &&
		n.Labels[LabelServicesReady] == "true"
}

// IsNodeDrained returns true if the node is up but was marked as not
// accepting tasks.
func IsNodeDrained(n Node) bool {
	return n.State == NodeStateReady && n.Labels[LabelServicesReady] == "false"
}

func labelTime(n Node, key string) (time.Time, bool, error) {
	v, ok := n.Labels[key]
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(TimeFormat, v)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("node %s: label %s: %w", n, key, err)
	}
	return t, true, nil
}

// LastReadinessChange returns the time the services-ready label was
// last changed, and false if the node has no such record.
func LastReadinessChange(n Node) (time.Time, bool, error) {
	return labelTime(n, LabelServicesReadyLastChanged)
}

// EmptySince returns the time the node was first found without
// tasks, and false if it was not.
func EmptySince(n Node) (time.Time, bool, error) {
	return labelTime(n, LabelNodeFoundEmpty)
}

// TerminationStartedSince returns the time the node was marked for
// termination, and false if it was not.
func TerminationStartedSince(n Node) (time.Time, bool, error) {
	return labelTime(n, LabelNodeTerminationStarted)
}

// ReadyLabels returns a copy of labels with the services-ready
// labels set.
func ReadyLabels(labels map[string]string, ready bool, now time.Time) map[string]string {
	out := copyLabels(labels)
	out[LabelServicesReady] = fmt.Sprintf("%v", ready)
	out[LabelServicesReadyLastChanged] = now.UTC().Format(TimeFormat)
	return out
}

// AttachLabels returns the labels of a node being attached: its
// current labels, the new labels, and services-ready=false.
func AttachLabels(current, labels map[string]string, now time.Time) map[string]string {
	out := copyLabels(current)
	for k, v := range labels {
		out[k] = v
	}
	return ReadyLabels(out, false, now)
}

// FoundEmptyLabels returns a copy of labels with the found-empty
// timestamp set, or removed if empty is false.
func FoundEmptyLabels(labels map[string]string, empty bool, now time.Time) map[string]string {
	out := copyLabels(labels)
	if empty {
		out[LabelNodeFoundEmpty] = now.UTC().Format(TimeFormat)
	} else {
		delete(out, LabelNodeFoundEmpty)
	}
	return out
}

// TerminationLabels returns a copy of labels with the
// termination-started timestamp set.
func TerminationLabels(labels map[string]string, now time.Time) map[string]string {
	out := copyLabels(labels)
	out[LabelNodeTerminationStarted] = now.UTC().Format(TimeFormat)
	return out
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+2)
	for k, v := range labels {
		out[k] = v
	}
	return out
}
