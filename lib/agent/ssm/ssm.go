// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ssm implements agent.Agent using AWS Systems Manager.
package ssm

import (
	"context"
	"errors"
	"strings"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/cloud/awsconfig"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	runShellScriptDocument = "AWS-RunShellScript"
	cloudInitCommandName   = "cloud-init status check"
	cloudInitStatusCommand = "cloud-init status"
	cloudInitDone          = "status: done"
)

type ssmAPI interface {
	DescribeInstanceInformation(context.Context, *ssm.DescribeInstanceInformationInput, ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
	SendCommand(context.Context, *ssm.SendCommandInput, ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(context.Context, *ssm.GetCommandInvocationInput, ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	CancelCommand(context.Context, *ssm.CancelCommandInput, ...func(*ssm.Options)) (*ssm.CancelCommandOutput, error)
}

// Agent is an agent.Agent backed by the SSM API.
type Agent struct {
	client  ssmAPI
	limiter *rate.Limiter
	logger  logrus.FieldLogger

	// Polling interval and timeout used by
	// WaitForCloudInitComplete.
	PollInterval time.Duration
	PollTimeout  time.Duration

	mCalls *prometheus.CounterVec
}

// New returns an Agent using the given access settings. If reg is
// not nil, call metrics are registered there.
func New(ctx context.Context, access fleet.SSMAccess, logger logrus.FieldLogger, reg *prometheus.Registry) (*Agent, error) {
	cfg, err := awsconfig.Load(ctx, access.AWSAccess, logger)
	if err != nil {
		return nil, err
	}
	client := ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		o.BaseEndpoint = awsconfig.Endpoint(access.AWSAccess)
	})
	return newAgent(client, access.RateLimit, logger, reg), nil
}

func newAgent(client ssmAPI, ratelimit float64, logger logrus.FieldLogger, reg *prometheus.Registry) *Agent {
	limit := rate.Inf
	if ratelimit > 0 {
		limit = rate.Limit(ratelimit)
	}
	a := &Agent{
		client:       client,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger,
		PollInterval: time.Second,
		PollTimeout:  time.Minute,
	}
	a.registerMetrics(reg)
	return a
}

func (a *Agent) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a.mCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetscaler",
		Subsystem: "ssm",
		Name:      "calls_total",
		Help:      "Number of SSM API calls, by operation and outcome.",
	}, []string{"operation", "outcome"})
	reg.MustRegister(a.mCalls)
}

// call waits for the rate limiter, then runs fn and records the
// outcome. API errors are returned as *agent.AccessError.
func (a *Agent) call(ctx context.Context, op string, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		a.mCalls.WithLabelValues(op, "success").Inc()
		return nil
	}
	a.mCalls.WithLabelValues(op, "error").Inc()
	return wrapError(op, err)
}

func wrapError(op string, err error) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		return &agent.AccessError{Operation: op, Code: aerr.ErrorCode(), Err: err}
	}
	return &agent.AccessError{Operation: op, Code: "Unknown", Err: err}
}

func (a *Agent) IsInstanceConnected(ctx context.Context, id cloud.InstanceID) (bool, error) {
	var out *ssm.DescribeInstanceInformationOutput
	err := a.call(ctx, "DescribeInstanceInformation", func() (err error) {
		out, err = a.client.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
			InstanceInformationFilterList: []types.InstanceInformationFilter{{
				Key:      types.InstanceInformationFilterKeyInstanceIds,
				ValueSet: []string{string(id)},
			}},
		})
		return
	})
	if err != nil {
		return false, err
	}
	if len(out.InstanceInformationList) == 0 {
		return false, nil
	}
	return out.InstanceInformationList[0].PingStatus == types.PingStatusOnline, nil
}

func (a *Agent) SendCommand(ctx context.Context, ids []cloud.InstanceID, command, name string) (agent.Command, error) {
	instanceIDs := make([]string, len(ids))
	for i, id := range ids {
		instanceIDs[i] = string(id)
	}
	var out *ssm.SendCommandOutput
	err := a.call(ctx, "SendCommand", func() (err error) {
		out, err = a.client.SendCommand(ctx, &ssm.SendCommandInput{
			DocumentName: aws.String(runShellScriptDocument),
			InstanceIds:  instanceIDs,
			Comment:      aws.String(name),
			Parameters:   map[string][]string{"commands": {command}},
		})
		return
	})
	if err != nil {
		return agent.Command{}, err
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return agent.Command{}, &agent.AccessError{Operation: "SendCommand", Code: "InvalidResponse", Err: errors.New("response has no command ID")}
	}
	a.logger.WithFields(logrus.Fields{
		"CommandID":   *out.Command.CommandId,
		"CommandName": name,
		"InstanceIDs": instanceIDs,
	}).Debug("sent command")
	return agent.Command{
		ID:     *out.Command.CommandId,
		Name:   name,
		Status: agent.CommandStatus(out.Command.Status),
	}, nil
}

func (a *Agent) GetCommand(ctx context.Context, id cloud.InstanceID, commandID string) (agent.Command, error) {
	cmd, _, err := a.getCommand(ctx, id, commandID)
	return cmd, err
}

// getCommand returns the command invocation and its standard
// output.
func (a *Agent) getCommand(ctx context.Context, id cloud.InstanceID, commandID string) (agent.Command, string, error) {
	var out *ssm.GetCommandInvocationOutput
	err := a.call(ctx, "GetCommandInvocation", func() (err error) {
		out, err = a.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(string(id)),
		})
		return
	})
	var aerr *agent.AccessError
	if errors.As(err, &aerr) && aerr.Code == "InvocationDoesNotExist" {
		// The invocation is not visible until shortly after
		// SendCommand returns.
		return agent.Command{ID: commandID, InstanceID: id, Status: agent.StatusPending}, "", nil
	} else if err != nil {
		return agent.Command{}, "", err
	}
	cmd := agent.Command{
		ID:         commandID,
		Name:       aws.ToString(out.Comment),
		InstanceID: id,
		Status:     invocationStatus(out.Status),
		Message:    aws.ToString(out.StatusDetails),
		StartTime:  parseTime(aws.ToString(out.ExecutionStartDateTime)),
		FinishTime: parseTime(aws.ToString(out.ExecutionEndDateTime)),
	}
	return cmd, aws.ToString(out.StandardOutputContent), nil
}

func invocationStatus(s types.CommandInvocationStatus) agent.CommandStatus {
	switch s {
	case types.CommandInvocationStatusPending, types.CommandInvocationStatusDelayed:
		return agent.StatusPending
	case types.CommandInvocationStatusInProgress, types.CommandInvocationStatusCancelling:
		return agent.StatusInProgress
	case types.CommandInvocationStatusSuccess:
		return agent.StatusSuccess
	case types.CommandInvocationStatusTimedOut:
		return agent.StatusTimedOut
	case types.CommandInvocationStatusCancelled:
		return agent.StatusCancelled
	default:
		return agent.StatusFailed
	}
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (a *Agent) CancelCommand(ctx context.Context, id cloud.InstanceID, commandID string) error {
	return a.call(ctx, "CancelCommand", func() error {
		_, err := a.client.CancelCommand(ctx, &ssm.CancelCommandInput{
			CommandId:   aws.String(commandID),
			InstanceIds: []string{string(id)},
		})
		return err
	})
}

// WaitForCloudInitComplete runs "cloud-init status" on the instance
// and waits for the result.
func (a *Agent) WaitForCloudInitComplete(ctx context.Context, id cloud.InstanceID) (bool, error) {
	cmd, err := a.SendCommand(ctx, []cloud.InstanceID{id}, cloudInitStatusCommand, cloudInitCommandName)
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(a.PollTimeout)
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()
	for {
		inv, stdout, err := a.getCommand(ctx, id, cmd.ID)
		if err != nil {
			return false, err
		}
		switch {
		case inv.Status == agent.StatusSuccess:
			return strings.Contains(stdout, cloudInitDone), nil
		case !inv.Status.Running():
			return false, &agent.CommandExecutionResultError{
				CommandID:  cmd.ID,
				Name:       cloudInitCommandName,
				InstanceID: id,
				Status:     inv.Status,
				Message:    inv.Message,
			}
		case time.Now().After(deadline):
			return false, &agent.TimeoutError{CommandID: cmd.ID, InstanceID: id, Timeout: a.PollTimeout}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
