// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package matcher

import (
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

// Batch is a number of identical instances to launch.
type Batch struct {
	Type   fleet.InstanceType
	Labels map[string]string
	Count  int
}

// Batches groups planned instances by type and labels, in order of
// first appearance.
func Batches(planned []*PlannedInstance) []Batch {
	var batches []Batch
	for _, pi := range planned {
		found := false
		for i := range batches {
			if batches[i].Type.Name == pi.Type.Name && sameLabels(batches[i].Labels, pi.Labels) {
				batches[i].Count++
				found = true
				break
			}
		}
		if !found {
			batches = append(batches, Batch{Type: pi.Type, Labels: pi.Labels, Count: 1})
		}
	}
	return batches
}

func sameLabels(a, b map[string]string) bool {
	return len(a) == len(b) && HasLabels(a, b)
}

// CapToMaxInstances reduces the batches so that launching them does
// not bring the number of instances above max. It fails with
// TooManyInstancesError if current is already at max.
//
// The allowed number of new instances is first shared between
// instance types: one each if possible, then round-robin. Within a
// type, each batch gets a share proportional to its original count.
// No batch gets more than its original count.
func CapToMaxInstances(batches []Batch, current, max int) ([]Batch, error) {
	if current >= max {
		return nil, &cloud.TooManyInstancesError{MaxInstances: max}
	}
	creatable := max - current
	var nonEmpty []Batch
	for _, b := range batches {
		if b.Count > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	batches = nonEmpty
	total := 0
	var typeOrder []string
	perType := map[string]int{}
	for _, b := range batches {
		total += b.Count
		if _, seen := perType[b.Type.Name]; !seen {
			typeOrder = append(typeOrder, b.Type.Name)
		}
		perType[b.Type.Name] += b.Count
	}
	if total <= creatable {
		return batches, nil
	}

	capped := map[string]int{}
	if creatable < len(typeOrder) {
		for _, name := range typeOrder[:creatable] {
			capped[name] = 1
		}
	} else {
		remaining := creatable
		for _, name := range typeOrder {
			capped[name] = 1
			remaining--
		}
		for remaining > 0 {
			progress := false
			for _, name := range typeOrder {
				if remaining > 0 && capped[name] < perType[name] {
					capped[name]++
					remaining--
					progress = true
				}
			}
			if !progress {
				break
			}
		}
	}

	out := make([]Batch, len(batches))
	assigned := map[string]int{}
	for i, b := range batches {
		out[i] = b
		out[i].Count = b.Count * capped[b.Type.Name] / perType[b.Type.Name]
		assigned[b.Type.Name] += out[i].Count
	}
	for _, name := range typeOrder {
		for rest := capped[name] - assigned[name]; rest > 0; {
			for i := range out {
				if rest > 0 && out[i].Type.Name == name && out[i].Count < batches[i].Count {
					out[i].Count++
					rest--
				}
			}
		}
	}
	var result []Batch
	for _, b := range out {
		if b.Count > 0 {
			result = append(result, b)
		}
	}
	return result, nil
}
