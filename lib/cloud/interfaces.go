// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"time"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

type InstanceTags map[string]string
type InstanceID string

// Clone returns a copy of tags that can be modified without
// affecting the original.
func (tags InstanceTags) Clone() InstanceTags {
	cp := make(InstanceTags, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	return cp
}

// Merge returns a new InstanceTags with the entries of tags,
// overridden by the entries of more.
func (tags InstanceTags) Merge(more InstanceTags) InstanceTags {
	cp := tags.Clone()
	for k, v := range more {
		cp[k] = v
	}
	return cp
}

// InstanceState is the lifecycle state reported by the cloud
// provider.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting-down"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateTerminated   InstanceState = "terminated"
)

// InstanceData is a snapshot of a cloud VM, as returned by an
// InstanceDirectory.
type InstanceData struct {
	ID    InstanceID
	Type  string
	State InstanceState
	Tags  InstanceTags
	// Private DNS name, like "ip-10-0-1-2.ec2.internal". Empty
	// until the instance has a network interface.
	PrivateDNSName string
	PrivateIP      string
	LaunchTime     time.Time
	// Capacity of the instance type. Providers may add generic
	// resources.
	Resources fleet.Resources
}

func (inst InstanceData) String() string {
	return string(inst.ID)
}

// InstanceFilter selects instances. Empty fields match everything.
type InstanceFilter struct {
	KeyNames []string
	// Only instances that have all of these tags, with the
	// given values.
	Tags   InstanceTags
	States []InstanceState
}

// LaunchConfig describes instances to be launched.
type LaunchConfig struct {
	Type               fleet.InstanceType
	AMIID              string
	KeyName            string
	SecurityGroupIDs   []string
	SubnetIDs          []string
	IAMInstanceProfile string
	StartupScript      string
	Tags               InstanceTags
}

// An InstanceDirectory lists, launches, starts, stops, terminates
// and tags cloud VM instances.
//
// Errors should implement RateLimitError and QuotaError where
// applicable, and use the error types in this package for the
// conditions they describe.
//
// All methods are goroutine safe.
type InstanceDirectory interface {
	// Instances returns the instances matching filter.
	Instances(ctx context.Context, filter InstanceFilter) ([]InstanceData, error)

	// InstanceTypes returns the capabilities of the named
	// instance types. The order of the result is not specified.
	InstanceTypes(ctx context.Context, names []string) ([]fleet.InstanceType, error)

	// Launch launches between minCount and count instances. It
	// fails with TooManyInstancesError if that would bring the
	// number of instances having cfg.Tags above maxTotal, and
	// with InsufficientCapacityError if no subnet has capacity.
	Launch(ctx context.Context, cfg LaunchConfig, minCount, count, maxTotal int) ([]InstanceData, error)

	// Start starts stopped instances and returns their updated
	// data. It fails with InsufficientCapacityError or
	// AccessError.
	Start(ctx context.Context, instances []InstanceData) ([]InstanceData, error)

	Stop(ctx context.Context, instances []InstanceData) error
	Terminate(ctx context.Context, instances []InstanceData) error

	// SetTags adds or replaces the given tags on all instances.
	SetTags(ctx context.Context, instances []InstanceData, tags InstanceTags) error

	// RemoveTags removes the given tag keys from all instances.
	RemoveTags(ctx context.Context, instances []InstanceData, keys []string) error
}
