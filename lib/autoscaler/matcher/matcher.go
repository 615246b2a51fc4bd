// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package matcher estimates where waiting tasks will run, and which
// instances must be launched for the rest.
package matcher

import (
	"fmt"
	"sort"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

// Request is what a task needs from the instance it runs on.
type Request struct {
	Task      cluster.Task
	Resources fleet.Resources
	// Required instance type, or "" for any.
	InstanceType string
	// Required node labels.
	Labels map[string]string
}

// PlannedInstance is an instance that will be launched.
type PlannedInstance struct {
	Type   fleet.InstanceType
	Labels map[string]string
	cluster.Slot
}

func NewPlannedInstance(it fleet.InstanceType, labels map[string]string) *PlannedInstance {
	pi := &PlannedInstance{
		Type:   it,
		Labels: map[string]string{},
		Slot:   cluster.Slot{Available: it.Resources.Clone()},
	}
	for k, v := range labels {
		pi.Labels[k] = v
	}
	return pi
}

// HasCompatibleLabels returns true if labels do not conflict with
// the labels already planned for the instance.
func (pi *PlannedInstance) HasCompatibleLabels(labels map[string]string) bool {
	for k, v := range labels {
		if have, ok := pi.Labels[k]; ok && have != v {
			return false
		}
	}
	return true
}

// HasLabels returns true if have contains every label in want.
func HasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// tryAssign assigns req to the first candidate that has the
// required instance type, labels and resources.
func tryAssign[T any](req Request, candidates []T, typeOf func(T) string, labelsOK func(T) bool, slot func(T) *cluster.Slot) (T, bool) {
	var zero T
	for _, cand := range candidates {
		if req.InstanceType != "" && typeOf(cand) != req.InstanceType {
			continue
		}
		if len(req.Labels) > 0 && !labelsOK(cand) {
			continue
		}
		s := slot(cand)
		if !s.HasResourcesFor(req.Resources) {
			continue
		}
		s.Assign(req.Task, req.Resources)
		return cand, true
	}
	return zero, false
}

// AssignToNodes assigns req to the first node that can run it.
func AssignToNodes(req Request, nodes []*cluster.AssociatedInstance) bool {
	_, ok := tryAssign(req, nodes,
		func(ai *cluster.AssociatedInstance) string { return ai.Instance.Type },
		func(ai *cluster.AssociatedInstance) bool { return HasLabels(ai.Node.Labels, req.Labels) },
		func(ai *cluster.AssociatedInstance) *cluster.Slot { return &ai.Slot })
	return ok
}

// AssignToInstances assigns req to the first instance that can run
// it. labelsOf returns the labels the node of an instance will have
// once it joins.
func AssignToInstances(req Request, insts []*cluster.NonAssociatedInstance, labelsOf func(cloud.InstanceData) map[string]string) bool {
	_, ok := tryAssign(req, insts,
		func(nai *cluster.NonAssociatedInstance) string { return nai.Instance.Type },
		func(nai *cluster.NonAssociatedInstance) bool { return HasLabels(labelsOf(nai.Instance), req.Labels) },
		func(nai *cluster.NonAssociatedInstance) *cluster.Slot { return &nai.Slot })
	return ok
}

// AssignToPlanned assigns req to the first planned instance that can
// run it, and merges the required labels into the plan.
func AssignToPlanned(req Request, planned []*PlannedInstance) bool {
	pi, ok := tryAssign(req, planned,
		func(pi *PlannedInstance) string { return pi.Type.Name },
		func(pi *PlannedInstance) bool { return pi.HasCompatibleLabels(req.Labels) },
		func(pi *PlannedInstance) *cluster.Slot { return &pi.Slot })
	if ok {
		for k, v := range req.Labels {
			pi.Labels[k] = v
		}
	}
	return ok
}

// NoFittingInstanceError is returned when no allowed instance type
// is big enough.
type NoFittingInstanceError struct {
	Required fleet.Resources
}

func (e *NoFittingInstanceError) Error() string {
	return fmt.Sprintf("no allowed instance type has %s", e.Required)
}

// TaskRequiresUnauthorizedInstanceTypeError is returned when a task
// is pinned to an instance type that is not allowed.
type TaskRequiresUnauthorizedInstanceTypeError struct {
	TaskID       string
	InstanceType string
}

func (e *TaskRequiresUnauthorizedInstanceTypeError) Error() string {
	return fmt.Sprintf("task %s requires instance type %s, which is not allowed", e.TaskID, e.InstanceType)
}

// TaskRequirementsAboveInstanceTypeError is returned when a task is
// pinned to an instance type too small to run it.
type TaskRequirementsAboveInstanceTypeError struct {
	TaskID       string
	InstanceType fleet.InstanceType
	Required     fleet.Resources
}

func (e *TaskRequirementsAboveInstanceTypeError) Error() string {
	return fmt.Sprintf("task %s requires %s, more than its instance type %s", e.TaskID, e.Required, e.InstanceType)
}

// ClosestFitScore scores how closely it matches required, from 0 to
// 100. It returns false if it is too small.
func ClosestFitScore(it fleet.InstanceType, required fleet.Resources) (float64, bool) {
	if !it.Resources.GreaterOrEqual(required) {
		return 0, false
	}
	return 100 * (1 - slack(it.Resources.VCPUs, required.VCPUs)) * (1 - slack(float64(it.Resources.RAM), float64(required.RAM))), true
}

func slack(capacity, required float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return (capacity - required) / capacity
}

// FindBestFitting returns the allowed type that fits required most
// closely. On ties, the earliest type in allowed wins.
func FindBestFitting(allowed []fleet.InstanceType, required fleet.Resources) (fleet.InstanceType, error) {
	var best fleet.InstanceType
	bestScore, found := -1.0, false
	for _, it := range allowed {
		score, fits := ClosestFitScore(it, required)
		if fits && score > bestScore {
			best, bestScore, found = it, score, true
		}
	}
	if !found {
		return fleet.InstanceType{}, &NoFittingInstanceError{Required: required}
	}
	return best, nil
}

// FindSelectedInstanceType returns the allowed type a task is pinned
// to, after checking it can run the task.
func FindSelectedInstanceType(allowed []fleet.InstanceType, req Request) (fleet.InstanceType, error) {
	for _, it := range allowed {
		if it.Name != req.InstanceType {
			continue
		}
		if !it.Resources.GreaterOrEqual(req.Resources) {
			return fleet.InstanceType{}, &TaskRequirementsAboveInstanceTypeError{TaskID: req.Task.TaskID(), InstanceType: it, Required: req.Resources}
		}
		return it, nil
	}
	return fleet.InstanceType{}, &TaskRequiresUnauthorizedInstanceTypeError{TaskID: req.Task.TaskID(), InstanceType: req.InstanceType}
}

// SortByNames returns the types listed in names, in that order.
// Names without a type are skipped.
func SortByNames(types []fleet.InstanceType, names []string) []fleet.InstanceType {
	pos := map[string]int{}
	for i, name := range names {
		if _, dup := pos[name]; !dup {
			pos[name] = i
		}
	}
	var sorted []fleet.InstanceType
	for _, it := range types {
		if _, ok := pos[it.Name]; ok {
			sorted = append(sorted, it)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return pos[sorted[i].Name] < pos[sorted[j].Name] })
	return sorted
}
