// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/cloud"
)

// StubAgent is an agent.Agent whose instances are connected and
// done with cloud-init unless told otherwise. Commands stay
// InProgress until SetStatus is called.
type StubAgent struct {
	Disconnected     map[cloud.InstanceID]bool
	CloudInitPending map[cloud.InstanceID]bool
	// Returned by WaitForCloudInitComplete for the given instances.
	CloudInitErr map[cloud.InstanceID]error
	// If not nil, returned by GetCommand.
	GetCommandErr error
	// If not nil, returned by SendCommand.
	SendCommandErr error

	statuses  map[string]agent.CommandStatus
	sent      []SentCommand
	cancelled []string
	serial    int
	mtx       sync.Mutex
}

// SentCommand records a SendCommand call.
type SentCommand struct {
	ID          string
	Name        string
	Command     string
	InstanceIDs []cloud.InstanceID
}

func (a *StubAgent) IsInstanceConnected(ctx context.Context, id cloud.InstanceID) (bool, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return !a.Disconnected[id], nil
}

func (a *StubAgent) WaitForCloudInitComplete(ctx context.Context, id cloud.InstanceID) (bool, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if err := a.CloudInitErr[id]; err != nil {
		return false, err
	}
	return !a.CloudInitPending[id], nil
}

func (a *StubAgent) SendCommand(ctx context.Context, ids []cloud.InstanceID, command, name string) (agent.Command, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.SendCommandErr != nil {
		return agent.Command{}, a.SendCommandErr
	}
	a.serial++
	id := fmt.Sprintf("cmd-%04d", a.serial)
	a.sent = append(a.sent, SentCommand{
		ID:          id,
		Name:        name,
		Command:     command,
		InstanceIDs: append([]cloud.InstanceID(nil), ids...),
	})
	return agent.Command{ID: id, Name: name, Status: agent.StatusPending, StartTime: time.Now()}, nil
}

func (a *StubAgent) GetCommand(ctx context.Context, id cloud.InstanceID, commandID string) (agent.Command, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.GetCommandErr != nil {
		return agent.Command{}, a.GetCommandErr
	}
	status, ok := a.statuses[commandID]
	if !ok {
		status = agent.StatusInProgress
	}
	return agent.Command{ID: commandID, InstanceID: id, Status: status}, nil
}

func (a *StubAgent) CancelCommand(ctx context.Context, id cloud.InstanceID, commandID string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.cancelled = append(a.cancelled, commandID)
	if a.statuses == nil {
		a.statuses = map[string]agent.CommandStatus{}
	}
	a.statuses[commandID] = agent.StatusCancelled
	return nil
}

// SetStatus sets the status GetCommand reports for a command.
func (a *StubAgent) SetStatus(commandID string, status agent.CommandStatus) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.statuses == nil {
		a.statuses = map[string]agent.CommandStatus{}
	}
	a.statuses[commandID] = status
}

// Sent returns the commands sent so far.
func (a *StubAgent) Sent() []SentCommand {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]SentCommand(nil), a.sent...)
}

// SentNamed returns the commands sent so far with the given name.
func (a *StubAgent) SentNamed(name string) []SentCommand {
	var ret []SentCommand
	for _, cmd := range a.Sent() {
		if cmd.Name == name {
			ret = append(ret, cmd)
		}
	}
	return ret
}

// Cancelled returns the IDs of cancelled commands.
func (a *StubAgent) Cancelled() []string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]string(nil), a.cancelled...)
}
