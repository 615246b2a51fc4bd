// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package buffer

import (
	"fmt"
	"sort"
	"strings"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"github.com/samber/lo"
)

// Phase indicates how far a warm buffer instance is on its way to
// being a stopped instance with pre-pulled images.
type Phase int

const (
	PhasePending       Phase = iota // starting, or agent not ready yet
	PhaseWaitingToPull              // booted, images not pulled yet
	PhasePulling                    // pull command sent
	PhaseWaitingToStop              // booted, images pulled or none needed
	PhaseStopping                   // stop requested
	PhaseReady                      // stopped, can be started by the scaler
	PhaseBroken                     // never became usable, to be terminated
)

var phaseString = map[Phase]string{
	PhasePending:       "pending",
	PhaseWaitingToPull: "waiting_to_pull",
	PhasePulling:       "pulling",
	PhaseWaitingToStop: "waiting_to_stop",
	PhaseStopping:      "stopping",
	PhaseReady:         "ready",
	PhaseBroken:        "broken",
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	return phaseString[p]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[Phase]anything uses the phase's string representation.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(phaseString[p]), nil
}

// Phases in the order surplus instances are kept: the most
// advanced first.
var keepOrder = []Phase{PhaseReady, PhaseStopping, PhaseWaitingToStop, PhasePulling, PhaseWaitingToPull, PhasePending, PhaseBroken}

// Pool is the set of warm buffer instances of one instance type.
type Pool struct {
	InstanceType string
	Instances    map[Phase][]cloud.InstanceData
}

func newPool(instanceType string) *Pool {
	return &Pool{InstanceType: instanceType, Instances: map[Phase][]cloud.InstanceData{}}
}

func (p *Pool) add(phase Phase, insts ...cloud.InstanceData) {
	p.Instances[phase] = append(p.Instances[phase], insts...)
}

// All returns every instance of the pool, ready ones first.
func (p *Pool) All() []cloud.InstanceData {
	var all []cloud.InstanceData
	for _, phase := range keepOrder {
		all = append(all, p.Instances[phase]...)
	}
	return all
}

// PrePulled returns the instances whose images are recorded as
// pulled.
func (p *Pool) PrePulled() []cloud.InstanceData {
	return append(append([]cloud.InstanceData(nil), p.Instances[PhaseReady]...), p.Instances[PhaseStopping]...)
}

func (p *Pool) remove(insts []cloud.InstanceData) {
	gone := lo.Associate(insts, func(inst cloud.InstanceData) (cloud.InstanceID, bool) { return inst.ID, true })
	for phase, list := range p.Instances {
		p.Instances[phase] = lo.Reject(list, func(inst cloud.InstanceData, _ int) bool { return gone[inst.ID] })
	}
}

// move moves insts to phase.
func (p *Pool) move(insts []cloud.InstanceData, phase Phase) {
	p.remove(insts)
	p.add(phase, insts...)
}

// Counts returns the number of instances per phase, including empty
// phases.
func (p *Pool) Counts() map[string]int {
	counts := map[string]int{}
	for phase, name := range phaseString {
		counts[name] = len(p.Instances[phase])
	}
	return counts
}

// Pools are the warm buffer pools by instance type name.
type Pools map[string]*Pool

func (ps Pools) pool(instanceType string) *Pool {
	p, ok := ps[instanceType]
	if !ok {
		p = newPool(instanceType)
		ps[instanceType] = p
	}
	return p
}

func (ps Pools) types() []string {
	types := lo.Keys(ps)
	sort.Strings(types)
	return types
}

func (ps Pools) String() string {
	var parts []string
	for _, it := range ps.types() {
		var phases []string
		for _, phase := range keepOrder {
			if n := len(ps[it].Instances[phase]); n > 0 {
				phases = append(phases, fmt.Sprintf("%s=%d", phase, n))
			}
		}
		parts = append(parts, fmt.Sprintf("%s: %s", it, strings.Join(phases, " ")))
	}
	return strings.Join(parts, "; ")
}
