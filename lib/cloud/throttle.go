// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// RateLimitError, and if so, ensures Error() returns a non-nil
// error until the rate limiting holdoff period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	var rle RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := time.Until(until)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur, until), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

// NewThrottledDirectory returns an InstanceDirectory that stops
// calling dir for a while after dir returns a RateLimitError. Calls
// made during the holdoff period fail immediately. Read calls and
// write calls are throttled separately.
func NewThrottledDirectory(dir InstanceDirectory, logger logrus.FieldLogger) InstanceDirectory {
	return &throttledDirectory{InstanceDirectory: dir, logger: logger}
}

type throttledDirectory struct {
	InstanceDirectory
	logger     logrus.FieldLogger
	throttleRd throttle
	throttleWr throttle
}

func (td *throttledDirectory) read(callType string, fn func() error) error {
	if err := td.throttleRd.Error(); err != nil {
		return err
	}
	err := fn()
	td.throttleRd.CheckRateLimitError(err, td.logger, callType)
	return err
}

func (td *throttledDirectory) write(callType string, fn func() error) error {
	if err := td.throttleWr.Error(); err != nil {
		return err
	}
	err := fn()
	td.throttleWr.CheckRateLimitError(err, td.logger, callType)
	return err
}

func (td *throttledDirectory) Instances(ctx context.Context, filter InstanceFilter) (insts []InstanceData, err error) {
	err = td.read("Instances", func() error {
		insts, err = td.InstanceDirectory.Instances(ctx, filter)
		return err
	})
	return
}

func (td *throttledDirectory) InstanceTypes(ctx context.Context, names []string) (types []fleet.InstanceType, err error) {
	err = td.read("InstanceTypes", func() error {
		types, err = td.InstanceDirectory.InstanceTypes(ctx, names)
		return err
	})
	return
}

func (td *throttledDirectory) Launch(ctx context.Context, cfg LaunchConfig, minCount, count, maxTotal int) (insts []InstanceData, err error) {
	err = td.write("Launch", func() error {
		insts, err = td.InstanceDirectory.Launch(ctx, cfg, minCount, count, maxTotal)
		return err
	})
	return
}

func (td *throttledDirectory) Start(ctx context.Context, instances []InstanceData) (insts []InstanceData, err error) {
	err = td.write("Start", func() error {
		insts, err = td.InstanceDirectory.Start(ctx, instances)
		return err
	})
	return
}

func (td *throttledDirectory) Stop(ctx context.Context, instances []InstanceData) error {
	return td.write("Stop", func() error {
		return td.InstanceDirectory.Stop(ctx, instances)
	})
}

func (td *throttledDirectory) Terminate(ctx context.Context, instances []InstanceData) error {
	return td.write("Terminate", func() error {
		return td.InstanceDirectory.Terminate(ctx, instances)
	})
}

func (td *throttledDirectory) SetTags(ctx context.Context, instances []InstanceData, tags InstanceTags) error {
	return td.write("SetTags", func() error {
		return td.InstanceDirectory.SetTags(ctx, instances, tags)
	})
}

func (td *throttledDirectory) RemoveTags(ctx context.Context, instances []InstanceData, keys []string) error {
	return td.write("RemoveTags", func() error {
		return td.InstanceDirectory.RemoveTags(ctx, instances, keys)
	})
}
