// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package swarm

import (
	"strings"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/docker/docker/api/types/swarm"
)

const (
	pendingTaskMessage        = "pending task scheduling"
	insufficientResourcesErr  = "insufficient resources on"
	unsatisfiedConstraintsErr = "no suitable node"
)

// Placement constraints that no new machine can satisfy.
var disallowedConstraints = []string{"node.id", "node.hostname", "node.role"}

// States of the tasks holding resources on their node.
var statesWithResources = map[swarm.TaskState]bool{
	swarm.TaskStateAssigned:  true,
	swarm.TaskStateAccepted:  true,
	swarm.TaskStatePreparing: true,
	swarm.TaskStateStarting:  true,
	swarm.TaskStateRunning:   true,
}

// Task is a service task waiting for resources, with the placement
// constraints of its service.
type Task struct {
	swarm.Task
	Constraints []string
}

func (t *Task) TaskID() string { return t.ID }

func waitingForResources(t swarm.Task) bool {
	return t.Status.State == swarm.TaskStatePending &&
		t.Status.Message == pendingTaskMessage &&
		(strings.Contains(t.Status.Err, insufficientResourcesErr) ||
			strings.Contains(t.Status.Err, unsatisfiedConstraintsErr))
}

// placeable returns false if one of the constraints pins the task
// to an existing node.
func placeable(constraints []string) bool {
	for _, c := range constraints {
		c = strings.TrimSpace(c)
		for _, prefix := range disallowedConstraints {
			if strings.HasPrefix(c, prefix) {
				return false
			}
		}
	}
	return true
}

// requiredResources returns the larger of the reservations and
// limits of the task.
func requiredResources(spec swarm.TaskSpec) fleet.Resources {
	var cpus, ram int64
	if r := spec.Resources; r != nil {
		if r.Reservations != nil {
			cpus, ram = r.Reservations.NanoCPUs, r.Reservations.MemoryBytes
		}
		if r.Limits != nil {
			cpus, ram = max(cpus, r.Limits.NanoCPUs), max(ram, r.Limits.MemoryBytes)
		}
	}
	return fleet.Resources{VCPUs: float64(cpus) / nanoCPUs, RAM: fleet.ByteSize(ram)}
}

// reservedResources returns the reservations of the task.
func reservedResources(spec swarm.TaskSpec) fleet.Resources {
	if spec.Resources == nil || spec.Resources.Reservations == nil {
		return fleet.Resources{}
	}
	return nodeResources(*spec.Resources.Reservations)
}

// nodeLabelConstraints returns the "node.labels.KEY==VALUE"
// constraints as a map.
func nodeLabelConstraints(constraints []string) map[string]string {
	labels := map[string]string{}
	for _, c := range constraints {
		c = strings.TrimSpace(c)
		if !strings.HasPrefix(c, "node.labels.") || strings.Contains(c, "!=") {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(c, "node.labels."), "==")
		if !ok {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels
}

// instanceTypeConstraint returns the instance type a task is pinned
// to by its constraints, or "".
func instanceTypeConstraint(constraints []string) string {
	return nodeLabelConstraints(constraints)[cluster.LabelInstanceType]
}
