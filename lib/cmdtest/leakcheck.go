// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cmdtest provides tools for testing the fleetscaler
// subcommands.
package cmdtest

import (
	"bytes"
	"io"
	"os"
	"sync"

	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if a command writes to the process-wide
// outputs (os.Stdout, os.Stderr, the top-level ctxlog logger, or the
// standard logrus logger) instead of the stdout and stderr it was given. Defer the returned
// func:
//
//	defer cmdtest.LeakCheck(c)()
func LeakCheck(c *check.C) func() {
	stdout, err := os.CreateTemp(c.MkDir(), "stdout")
	c.Assert(err, check.IsNil)
	stderr, err := os.CreateTemp(c.MkDir(), "stderr")
	c.Assert(err, check.IsNil)
	logged := &lockedBuffer{}

	origStdout, origStderr := os.Stdout, os.Stderr
	origLog := logrus.StandardLogger().Out
	os.Stdout, os.Stderr = stdout, stderr
	logrus.SetOutput(logged)
	origRoot := ctxlog.SetOutput(logged)
	return func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		logrus.SetOutput(origLog)
		ctxlog.SetOutput(origRoot)
		for _, f := range []*os.File{stdout, stderr} {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", f.Name()))
			f.Close()
		}
		c.Check(logged.String(), check.Equals, "", check.Commentf("leaked to a top-level logger"))
	}
}

type lockedBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.String()
}
