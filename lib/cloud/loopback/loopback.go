// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is an in-memory InstanceDirectory. Instances
// never run anything; callers move them between states with
// SetState.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

var errUnknownType = errors.New("loopback directory: unknown instance type")

// Directory is the loopback implementation of
// cloud.InstanceDirectory.
type Directory struct {
	// Clock used for launch times. Defaults to time.Now.
	Now func() time.Time
	// Instance types that fail with InsufficientCapacityError in
	// Launch and Start.
	NoCapacity map[string]bool
	// If not nil, returned by every subsequent Launch call.
	LaunchErr error
	// If not nil, returned by every subsequent Start call.
	StartErr error
	// Returned by the next SetTags calls, one error per call.
	SetTagsErrs []error

	types     map[string]fleet.InstanceType
	instances map[cloud.InstanceID]*cloud.InstanceData
	launches  []Launch
	calls     map[string]int
	serial    int
	mtx       sync.Mutex
}

// Launch records a successful Launch call.
type Launch struct {
	Config    cloud.LaunchConfig
	Instances []cloud.InstanceData
}

// NewDirectory returns a directory offering the given instance
// types.
func NewDirectory(types ...fleet.InstanceType) *Directory {
	d := &Directory{
		types:     map[string]fleet.InstanceType{},
		instances: map[cloud.InstanceID]*cloud.InstanceData{},
		calls:     map[string]int{},
	}
	for _, it := range types {
		d.types[it.Name] = it
	}
	return d
}

func (d *Directory) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Add creates an instance in the given state and returns it.
func (d *Directory) Add(typeName string, state cloud.InstanceState, tags cloud.InstanceTags, launchTime time.Time) cloud.InstanceData {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	inst := d.newInstance(typeName, tags)
	inst.State = state
	inst.LaunchTime = launchTime
	d.instances[inst.ID] = &inst
	return inst
}

func (d *Directory) newInstance(typeName string, tags cloud.InstanceTags) cloud.InstanceData {
	d.serial++
	return cloud.InstanceData{
		ID:             cloud.InstanceID(fmt.Sprintf("i-%08x", d.serial)),
		Type:           typeName,
		State:          cloud.StatePending,
		Tags:           tags.Clone(),
		PrivateDNSName: fmt.Sprintf("ip-10-0-%d-%d.ec2.internal", d.serial/256, d.serial%256),
		PrivateIP:      fmt.Sprintf("10.0.%d.%d", d.serial/256, d.serial%256),
		LaunchTime:     d.now(),
		Resources:      d.types[typeName].Resources.Clone(),
	}
}

// Get returns the current data of an instance.
func (d *Directory) Get(id cloud.InstanceID) (cloud.InstanceData, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	inst, ok := d.instances[id]
	if !ok {
		return cloud.InstanceData{}, false
	}
	return copyInstance(*inst), true
}

// SetState changes the state of an instance.
func (d *Directory) SetState(id cloud.InstanceID, state cloud.InstanceState) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if inst, ok := d.instances[id]; ok {
		inst.State = state
	}
}

// All returns every instance, including terminated ones, sorted by
// ID.
func (d *Directory) All() []cloud.InstanceData {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var all []cloud.InstanceData
	for _, inst := range d.instances {
		all = append(all, copyInstance(*inst))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Launches returns the successful Launch calls so far.
func (d *Directory) Launches() []Launch {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]Launch(nil), d.launches...)
}

// Calls returns the number of calls to the named method.
func (d *Directory) Calls(method string) int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.calls[method]
}

func copyInstance(inst cloud.InstanceData) cloud.InstanceData {
	inst.Tags = inst.Tags.Clone()
	inst.Resources = inst.Resources.Clone()
	return inst
}

func matches(inst *cloud.InstanceData, filter cloud.InstanceFilter) bool {
	for k, v := range filter.Tags {
		if got, ok := inst.Tags[k]; !ok || got != v {
			return false
		}
	}
	if len(filter.States) == 0 {
		return inst.State == cloud.StatePending || inst.State == cloud.StateRunning
	}
	for _, s := range filter.States {
		if inst.State == s {
			return true
		}
	}
	return false
}

func (d *Directory) Instances(ctx context.Context, filter cloud.InstanceFilter) ([]cloud.InstanceData, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls["Instances"]++
	var ret []cloud.InstanceData
	for _, inst := range d.instances {
		if matches(inst, filter) {
			ret = append(ret, copyInstance(*inst))
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (d *Directory) InstanceTypes(ctx context.Context, names []string) ([]fleet.InstanceType, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls["InstanceTypes"]++
	var ret []fleet.InstanceType
	for _, name := range names {
		if it, ok := d.types[name]; ok {
			ret = append(ret, it)
		}
	}
	return ret, nil
}

func (d *Directory) Launch(ctx context.Context, cfg cloud.LaunchConfig, minCount, count, maxTotal int) ([]cloud.InstanceData, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls["Launch"]++
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	if _, ok := d.types[cfg.Type.Name]; !ok {
		return nil, errUnknownType
	}
	if d.NoCapacity[cfg.Type.Name] {
		return nil, &cloud.InsufficientCapacityError{InstanceType: cfg.Type.Name, SubnetIDs: cfg.SubnetIDs, Err: errors.New("loopback: no capacity")}
	}
	if minCount > count {
		minCount = count
	}
	current := 0
	for _, inst := range d.instances {
		if matches(inst, cloud.InstanceFilter{Tags: cfg.Tags}) {
			current++
		}
	}
	if current+minCount > maxTotal {
		return nil, &cloud.TooManyInstancesError{MaxInstances: maxTotal}
	}
	if current+count > maxTotal {
		count = maxTotal - current
	}
	var ret []cloud.InstanceData
	for i := 0; i < count; i++ {
		inst := d.newInstance(cfg.Type.Name, cfg.Tags)
		d.instances[inst.ID] = &inst
		ret = append(ret, copyInstance(inst))
	}
	d.launches = append(d.launches, Launch{Config: cfg, Instances: ret})
	return ret, nil
}

func (d *Directory) Start(ctx context.Context, instances []cloud.InstanceData) ([]cloud.InstanceData, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls["Start"]++
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	var ret []cloud.InstanceData
	for _, want := range instances {
		inst, ok := d.instances[want.ID]
		if !ok {
			return nil, fmt.Errorf("start %s: %w", want.ID, cloud.ErrInstanceNotFound)
		}
		if d.NoCapacity[inst.Type] {
			return nil, &cloud.InsufficientCapacityError{InstanceType: inst.Type, Err: errors.New("loopback: no capacity")}
		}
		inst.State = cloud.StatePending
		inst.LaunchTime = d.now()
		ret = append(ret, copyInstance(*inst))
	}
	return ret, nil
}

func (d *Directory) setState(method string, instances []cloud.InstanceData, state cloud.InstanceState) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls[method]++
	for _, want := range instances {
		inst, ok := d.instances[want.ID]
		if !ok {
			return fmt.Errorf("%s %s: %w", method, want.ID, cloud.ErrInstanceNotFound)
		}
		inst.State = state
	}
	return nil
}

func (d *Directory) Stop(ctx context.Context, instances []cloud.InstanceData) error {
	return d.setState("Stop", instances, cloud.StateStopping)
}

func (d *Directory) Terminate(ctx context.Context, instances []cloud.InstanceData) error {
	return d.setState("Terminate", instances, cloud.StateTerminated)
}

func (d *Directory) SetTags(ctx context.Context, instances []cloud.InstanceData, tags cloud.InstanceTags) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls["SetTags"]++
	if len(d.SetTagsErrs) > 0 {
		err := d.SetTagsErrs[0]
		d.SetTagsErrs = d.SetTagsErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, want := range instances {
		inst, ok := d.instances[want.ID]
		if !ok {
			return fmt.Errorf("set tags on %s: %w", want.ID, cloud.ErrInstanceNotFound)
		}
		inst.Tags = inst.Tags.Merge(tags)
	}
	return nil
}

func (d *Directory) RemoveTags(ctx context.Context, instances []cloud.InstanceData, keys []string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.calls["RemoveTags"]++
	for _, want := range instances {
		inst, ok := d.instances[want.ID]
		if !ok {
			return fmt.Errorf("remove tags from %s: %w", want.ID, cloud.ErrInstanceNotFound)
		}
		inst.Tags = inst.Tags.Clone()
		for _, k := range keys {
			delete(inst.Tags, k)
		}
	}
	return nil
}
