// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudtest launches a test instance with the configured
// launch parameters, checks that it shows up with its tags, that its
// agent comes online and runs a command, and terminates it.
package cloudtest

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/bootscript"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// KeyTestID is the tag identifying the instances launched by a
// tester.
const KeyTestID = tags.Prefix + "cloudtest-id"

var (
	errTestInstanceNotFound = errors.New("test instance missing from cloud provider's list")
)

// A tester does a sequence of operations to test the cloud and agent
// configuration. Run() should be called only once, after assigning
// suitable values to public fields.
type tester struct {
	Logger             logrus.FieldLogger
	Directory          cloud.InstanceDirectory
	Agent              agent.Agent
	Config             fleet.EC2InstancesConfig
	Registry           fleet.RegistryConfig
	AllowedType        fleet.AllowedType
	TestID             string
	DestroyExisting    bool
	SyncInterval       time.Duration
	TimeoutBooting     time.Duration
	ShellCommand       string
	PauseBeforeDestroy func()

	tags         cloud.InstanceTags
	testInstance *cloud.InstanceData
}

// Run the test suite as specified, clean up as needed, and return
// true (everything is OK) or false (something went wrong).
func (t *tester) Run(ctx context.Context) bool {
	// This flag gets set when we encounter a non-fatal error, so
	// we can continue doing more tests but remember to return
	// false (failure) at the end.
	deferredError := false

	t.tags = tags.PoolTags(t.Config)
	t.tags[KeyTestID] = t.TestID

	for {
		insts, err := t.getInstances(ctx)
		if err != nil {
			t.Logger.WithError(err).Info("error getting list of instances")
			return false
		}
		if len(insts) == 0 {
			break
		}
		for _, inst := range insts {
			lgr := t.Logger.WithFields(logrus.Fields{
				"Instance": inst.ID,
				"TestID":   t.TestID,
			})
			if t.DestroyExisting {
				lgr.Info("terminating existing instance with our test ID")
			} else {
				lgr.Error("found existing instance with our test ID")
			}
		}
		if !t.DestroyExisting {
			t.Logger.Error("cannot continue with existing instances -- clean up manually, use -destroy-existing=true, or choose a different -test-id")
			return false
		}
		t0 := time.Now()
		err = t.Directory.Terminate(ctx, insts)
		lgr := t.Logger.WithField("Duration", time.Since(t0))
		if err != nil {
			lgr.WithError(err).Error("error terminating existing instances")
		} else {
			lgr.Info("Terminate call succeeded")
		}
		t.sleepSyncInterval()
	}

	types, err := t.Directory.InstanceTypes(ctx, []string{t.AllowedType.Name})
	if err != nil || len(types) != 1 {
		t.Logger.WithError(err).WithField("InstanceType", t.AllowedType.Name).Error("error getting instance type capabilities")
		return false
	}
	script, err := bootscript.WarmBufferStartupScript(t.AllowedType, t.Registry)
	if err != nil {
		t.Logger.WithError(err).Error("error building startup script")
		return false
	}

	defer t.destroyTestInstance(ctx)

	bootDeadline := time.Now().Add(t.TimeoutBooting)
	lcfg := cloud.LaunchConfig{
		Type:               types[0],
		AMIID:              t.AllowedType.AMIID,
		KeyName:            t.Config.KeyName,
		SecurityGroupIDs:   t.Config.SecurityGroupIDs,
		SubnetIDs:          t.Config.SubnetIDs,
		IAMInstanceProfile: t.Config.AttachedIAMProfile,
		StartupScript:      script,
		Tags:               t.tags,
	}
	t.Logger.WithFields(logrus.Fields{
		"InstanceType":  lcfg.Type.Name,
		"AMIID":         lcfg.AMIID,
		"SubnetIDs":     lcfg.SubnetIDs,
		"Tags":          lcfg.Tags,
		"StartupScript": script,
	}).Info("launching instance")
	t0 := time.Now()
	insts, err := t.Directory.Launch(ctx, lcfg, 1, 1, 1)
	lgrC := t.Logger.WithField("Duration", time.Since(t0))
	if err != nil || len(insts) == 0 {
		// Launch might have failed due to a network error
		// even though the launch was successful, so it's
		// safer to wait a bit for an instance to appear.
		deferredError = true
		lgrC.WithError(err).Error("error launching test instance")
		t.Logger.WithField("Deadline", bootDeadline).Info("waiting for instance to appear anyway, in case the Launch response was incorrect")
		for err = t.refreshTestInstance(ctx); err != nil; err = t.refreshTestInstance(ctx) {
			if time.Now().After(bootDeadline) {
				t.Logger.Error("timed out")
				return false
			}
			t.sleepSyncInterval()
		}
		t.Logger.WithField("Instance", t.testInstance.ID).Info("new instance appeared")
	} else {
		// Launch succeeded. Make sure the new instance
		// appears right away in the Instances() list.
		lgrC.WithField("Instance", insts[0].ID).Info("launched instance")
		t.testInstance = &insts[0]
		err = t.refreshTestInstance(ctx)
		if err == errTestInstanceNotFound {
			t.Logger.WithError(err).Error("Launch succeeded, but instance is not in list")
			deferredError = true
		} else if err != nil {
			t.Logger.WithError(err).Error("error getting list of instances")
			return false
		}
	}

	if !t.checkTags() {
		// checkTags() already logged the errors
		deferredError = true
	}

	if !t.waitForAgent(ctx, bootDeadline) {
		deferredError = true
	} else if t.ShellCommand != "" {
		if err := t.runShellCommand(ctx, t.ShellCommand, bootDeadline); err != nil {
			t.Logger.WithError(err).Error("shell command failed")
			deferredError = true
		}
	}

	if fn := t.PauseBeforeDestroy; fn != nil {
		fn()
	}

	return !deferredError
}

// Get the latest instance list from the directory. If our test
// instance is found, assign it to t.testInstance.
func (t *tester) refreshTestInstance(ctx context.Context) error {
	insts, err := t.getInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if t.testInstance != nil && inst.ID != t.testInstance.ID {
			continue
		}
		t.Logger.WithFields(logrus.Fields{
			"Instance":  inst.ID,
			"State":     inst.State,
			"PrivateIP": inst.PrivateIP,
		}).Info("found our instance in returned list")
		t.testInstance = &inst
		return nil
	}
	return errTestInstanceNotFound
}

// Get the live instances having our test ID tag.
func (t *tester) getInstances(ctx context.Context) ([]cloud.InstanceData, error) {
	filter := cloud.InstanceFilter{
		Tags:   cloud.InstanceTags{KeyTestID: t.TestID},
		States: []cloud.InstanceState{cloud.StatePending, cloud.StateRunning, cloud.StateStopping, cloud.StateStopped},
	}
	t.Logger.WithField("FilterTags", filter.Tags).Info("getting instance list")
	t0 := time.Now()
	insts, err := t.Directory.Instances(ctx, filter)
	if err != nil {
		return nil, err
	}
	t.Logger.WithFields(logrus.Fields{
		"Duration": time.Since(t0),
		"N":        len(insts),
	}).Info("got instance list")
	return insts, nil
}

// Check that t.testInstance has every tag in t.tags. If not, log an
// error and return false.
func (t *tester) checkTags() bool {
	ok := true
	for k, v := range t.tags {
		if got := t.testInstance.Tags[k]; got != v {
			ok = false
			t.Logger.WithFields(logrus.Fields{
				"Key":           k,
				"ExpectedValue": v,
				"GotValue":      got,
			}).Error("tag is missing from test instance")
		}
	}
	if ok {
		t.Logger.Info("all expected tags are present")
	}
	return ok
}

// Wait until the agent on t.testInstance is online and cloud-init
// is done, or the deadline arrives.
func (t *tester) waitForAgent(ctx context.Context, deadline time.Time) bool {
	lgr := t.Logger.WithField("Instance", t.testInstance.ID)
	for time.Now().Before(deadline) {
		ok, err := t.Agent.IsInstanceConnected(ctx, t.testInstance.ID)
		if err != nil {
			lgr.WithError(err).Info("error checking agent connection")
		} else if !ok {
			lgr.Info("agent is not connected yet")
		} else if done, err := t.Agent.WaitForCloudInitComplete(ctx, t.testInstance.ID); err != nil {
			lgr.WithError(err).Info("error checking cloud-init status")
		} else if !done {
			lgr.Info("cloud-init is not done yet")
		} else {
			lgr.Info("agent is connected and cloud-init is done")
			return true
		}
		t.sleepSyncInterval()
		t.refreshTestInstance(ctx)
	}
	lgr.Error("timed out waiting for agent")
	return false
}

func (t *tester) runShellCommand(ctx context.Context, cmd string, deadline time.Time) error {
	id := t.testInstance.ID
	t.Logger.WithFields(logrus.Fields{
		"Instance": id,
		"Command":  cmd,
	}).Info("sending remote command")
	t0 := time.Now()
	sent, err := t.Agent.SendCommand(ctx, []cloud.InstanceID{id}, cmd, "fleetscaler-cloudtest")
	if err != nil {
		return err
	}
	for {
		got, err := t.Agent.GetCommand(ctx, id, sent.ID)
		lgr := t.Logger.WithFields(logrus.Fields{
			"Duration":  time.Since(t0),
			"CommandID": sent.ID,
		})
		if err != nil {
			lgr.WithError(err).Info("error getting command status")
		} else if !got.Status.Running() {
			lgr = lgr.WithFields(logrus.Fields{
				"Status":  got.Status,
				"Message": got.Message,
			})
			if got.Status != agent.StatusSuccess {
				return &agent.CommandExecutionResultError{
					CommandID:  sent.ID,
					Name:       sent.Name,
					InstanceID: id,
					Status:     got.Status,
					Message:    got.Message,
				}
			}
			lgr.Info("remote command succeeded")
			return nil
		}
		if time.Now().After(deadline) {
			t.Agent.CancelCommand(ctx, id, sent.ID)
			return &agent.TimeoutError{CommandID: sent.ID, InstanceID: id, Timeout: time.Since(t0)}
		}
		t.sleepSyncInterval()
	}
}

// currently, this tries until it can return true (success) or ctx
// is done.
func (t *tester) destroyTestInstance(ctx context.Context) bool {
	if t.testInstance == nil {
		return true
	}
	for ctx.Err() == nil {
		lgr := t.Logger.WithField("Instance", t.testInstance.ID)
		lgr.Info("terminating instance")
		t0 := time.Now()

		err := t.Directory.Terminate(ctx, []cloud.InstanceData{*t.testInstance})
		lgrDur := lgr.WithField("Duration", time.Since(t0))
		if err != nil {
			lgrDur.WithError(err).Error("error terminating instance")
		} else {
			lgrDur.Info("terminated instance")
		}

		err = t.refreshTestInstance(ctx)
		if err == errTestInstanceNotFound {
			lgr.Info("instance no longer appears in list")
			t.testInstance = nil
			return true
		} else if err == nil {
			lgr.Info("instance still exists after calling Terminate")
			t.sleepSyncInterval()
			continue
		} else {
			t.Logger.WithError(err).Error("error getting list of instances")
			t.sleepSyncInterval()
			continue
		}
	}
	return false
}

func (t *tester) sleepSyncInterval() {
	t.Logger.WithField("Duration", t.SyncInterval).Info("waiting SyncInterval")
	time.Sleep(t.SyncInterval)
}
