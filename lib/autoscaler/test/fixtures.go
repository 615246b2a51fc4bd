// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides in-memory stand-ins for the collaborators
// of the autoscaler, for use in tests.
package test

import (
	"fmt"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

// InstanceType returns a fake instance type with the given name,
// cpus and GiB of memory.
func InstanceType(name string, cpus float64, ramGiB int) fleet.InstanceType {
	return fleet.InstanceType{
		Name:      name,
		Resources: fleet.Resources{VCPUs: cpus, RAM: fleet.ByteSize(ramGiB) << 30},
	}
}

// TaskID returns a fake task ID.
func TaskID(i int) string {
	return fmt.Sprintf("task-%04d", i)
}

// StubTask is a task with fixed requirements.
type StubTask struct {
	ID           string
	Resources    fleet.Resources
	InstanceType string
	Labels       map[string]string
}

func (t *StubTask) TaskID() string { return t.ID }

// Task returns a StubTask requiring cpus and GiB of memory.
func Task(i int, cpus float64, ramGiB int) *StubTask {
	return &StubTask{
		ID:        TaskID(i),
		Resources: fleet.Resources{VCPUs: cpus, RAM: fleet.ByteSize(ramGiB) << 30},
	}
}
