// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package agent defines the interface for running shell commands on
// cloud instances through an agent installed on them.
package agent

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/fleetscaler.git/lib/cloud"
)

type CommandStatus string

const (
	StatusPending    CommandStatus = "Pending"
	StatusInProgress CommandStatus = "InProgress"
	StatusSuccess    CommandStatus = "Success"
	StatusFailed     CommandStatus = "Failed"
	StatusTimedOut   CommandStatus = "TimedOut"
	StatusCancelled  CommandStatus = "Cancelled"
)

// Running returns true if the command has not finished yet.
func (s CommandStatus) Running() bool {
	return s == StatusPending || s == StatusInProgress
}

// Command is a command sent to one or more instances. Status,
// Message and the timestamps describe its invocation on a single
// instance when returned by GetCommand.
type Command struct {
	ID         string
	Name       string
	InstanceID cloud.InstanceID
	Status     CommandStatus
	Message    string
	StartTime  time.Time
	FinishTime time.Time
}

// An Agent runs commands on instances.
type Agent interface {
	// IsInstanceConnected returns true if the agent on the
	// instance is online.
	IsInstanceConnected(ctx context.Context, id cloud.InstanceID) (bool, error)

	// WaitForCloudInitComplete returns true if the first-boot
	// provisioning of the instance is done. It fails with
	// CommandExecutionResultError or TimeoutError if the status
	// cannot be determined.
	WaitForCloudInitComplete(ctx context.Context, id cloud.InstanceID) (bool, error)

	SendCommand(ctx context.Context, ids []cloud.InstanceID, command, name string) (Command, error)
	GetCommand(ctx context.Context, id cloud.InstanceID, commandID string) (Command, error)
	CancelCommand(ctx context.Context, id cloud.InstanceID, commandID string) error
}

// AccessError is a failed agent API call.
type AccessError struct {
	Operation string
	Code      string
	Err       error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("agent %s: %s: %s", e.Operation, e.Code, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// CommandExecutionResultError is returned when a command finished
// but did not succeed.
type CommandExecutionResultError struct {
	CommandID  string
	Name       string
	InstanceID cloud.InstanceID
	Status     CommandStatus
	Message    string
}

func (e *CommandExecutionResultError) Error() string {
	return fmt.Sprintf("command %s (%s) on %s finished with status %s: %s", e.Name, e.CommandID, e.InstanceID, e.Status, e.Message)
}

// TimeoutError is returned when a command did not finish in time.
type TimeoutError struct {
	CommandID  string
	InstanceID cloud.InstanceID
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s on %s did not finish within %s", e.CommandID, e.InstanceID, e.Timeout)
}
