// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"errors"
	"fmt"
	"time"
)

// A RateLimitError should be returned by an InstanceDirectory when
// the cloud service indicates it is rejecting all API calls for some
// time interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceDirectory when the
// cloud service indicates the account cannot create more VMs than
// already exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// TooManyInstancesError is returned by Launch when the requested
// instances would exceed the maximum allowed number.
type TooManyInstancesError struct {
	MaxInstances int
}

func (e *TooManyInstancesError) Error() string {
	return fmt.Sprintf("the maximum number of instances %d is reached", e.MaxInstances)
}

func (*TooManyInstancesError) IsQuotaError() bool { return true }

// InsufficientCapacityError is returned when the cloud provider has
// no capacity for the requested instance type in any of the given
// subnets.
type InsufficientCapacityError struct {
	InstanceType string
	SubnetIDs    []string
	Err          error
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity for %s in subnets %v: %s", e.InstanceType, e.SubnetIDs, e.Err)
}

func (e *InsufficientCapacityError) Unwrap() error { return e.Err }

// SubnetsNotEnoughIPsError is returned by Launch when none of the
// subnets has enough free addresses for the requested instances.
type SubnetsNotEnoughIPsError struct {
	SubnetIDs []string
	Needed    int
}

func (e *SubnetsNotEnoughIPsError) Error() string {
	return fmt.Sprintf("none of the subnets %v has %d free IP addresses", e.SubnetIDs, e.Needed)
}

// AccessError is a failed cloud API call that is not one of the
// more specific errors.
type AccessError struct {
	Operation string
	Code      string
	Err       error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Code, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// ErrInstanceNotFound is wrapped by errors about instances that no
// longer exist.
var ErrInstanceNotFound = errors.New("instance not found")
