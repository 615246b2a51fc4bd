// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"sort"
	"strings"
)

// Names of generic resources set by instance directories and
// backends.
const (
	GenericGPU     = "gpu"
	GenericVRAM    = "vram"
	GenericThreads = "threads"
)

// Resources is an amount of compute capacity: CPUs, RAM, and any
// number of named generic resources (GPUs, scheduler threads, ...).
//
// Resources values are immutable: Add and Sub return new values and
// never modify their receiver or argument.
type Resources struct {
	VCPUs   float64            `json:"cpus"`
	RAM     ByteSize           `json:"ram"`
	Generic map[string]float64 `json:"generic,omitempty"`
}

// Add returns r+o.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		VCPUs:   r.VCPUs + o.VCPUs,
		RAM:     r.RAM + o.RAM,
		Generic: mergeGeneric(r.Generic, o.Generic, 1),
	}
}

// Sub returns r-o. Each dimension saturates at zero; callers are
// expected to check r.GreaterOrEqual(o) first.
func (r Resources) Sub(o Resources) Resources {
	res := Resources{
		VCPUs:   r.VCPUs - o.VCPUs,
		RAM:     r.RAM - o.RAM,
		Generic: mergeGeneric(r.Generic, o.Generic, -1),
	}
	if res.VCPUs < 0 {
		res.VCPUs = 0
	}
	if res.RAM < 0 {
		res.RAM = 0
	}
	for k, v := range res.Generic {
		if v < 0 {
			res.Generic[k] = 0
		}
	}
	return res
}

func mergeGeneric(a, b map[string]float64, sign float64) map[string]float64 {
	if a == nil && b == nil {
		return nil
	}
	m := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		m[k] = v
	}
	for k, v := range b {
		m[k] += sign * v
	}
	return m
}

// GreaterOrEqual returns true if r provides at least o in every
// dimension. A generic resource missing from either side counts as
// zero.
func (r Resources) GreaterOrEqual(o Resources) bool {
	if r.VCPUs < o.VCPUs || r.RAM < o.RAM {
		return false
	}
	for k, v := range o.Generic {
		if r.Generic[k] < v {
			return false
		}
	}
	return true
}

// Greater returns true if r exceeds o in CPUs and RAM, and is not
// smaller in any generic dimension.
func (r Resources) Greater(o Resources) bool {
	return r.VCPUs > o.VCPUs && r.RAM > o.RAM && r.GreaterOrEqual(o)
}

// IsZero returns true if r has no capacity at all.
func (r Resources) IsZero() bool {
	if r.VCPUs != 0 || r.RAM != 0 {
		return false
	}
	for _, v := range r.Generic {
		if v != 0 {
			return false
		}
	}
	return true
}

// Clone returns a copy of r that does not share the generic
// resources map.
func (r Resources) Clone() Resources {
	if r.Generic != nil {
		g := make(map[string]float64, len(r.Generic))
		for k, v := range r.Generic {
			g[k] = v
		}
		r.Generic = g
	}
	return r
}

// WithGeneric returns a copy of r with the named generic resource
// set to v.
func (r Resources) WithGeneric(name string, v float64) Resources {
	g := make(map[string]float64, len(r.Generic)+1)
	for k, old := range r.Generic {
		g[k] = old
	}
	g[name] = v
	r.Generic = g
	return r
}

func (r Resources) String() string {
	s := fmt.Sprintf("cpus=%g, ram=%s", r.VCPUs, r.RAM)
	if len(r.Generic) == 0 {
		return s
	}
	var keys []string
	for k := range r.Generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, r.Generic[k]))
	}
	return s + ", " + strings.Join(parts, ", ")
}

// InstanceType describes what a cloud VM type offers.
type InstanceType struct {
	Name      string
	Resources Resources
}

func (it InstanceType) String() string {
	return fmt.Sprintf("%s (%s)", it.Name, it.Resources)
}
