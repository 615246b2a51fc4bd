// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmdtest

import (
	"os"
	"testing"

	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestRedirectAndRestore(c *check.C) {
	stdout, stderr, logOut := os.Stdout, os.Stderr, logrus.StandardLogger().Out
	done := LeakCheck(c)
	c.Check(os.Stdout, check.Not(check.Equals), stdout)
	c.Check(os.Stderr, check.Not(check.Equals), stderr)
	c.Check(logrus.StandardLogger().Out, check.Not(check.Equals), logOut)
	done()
	c.Check(os.Stdout, check.Equals, stdout)
	c.Check(os.Stderr, check.Equals, stderr)
	c.Check(logrus.StandardLogger().Out, check.Equals, logOut)
}

func (s *suite) TestTopLevelLoggerRestored(c *check.C) {
	orig := ctxlog.SetOutput(os.Stderr)
	ctxlog.SetOutput(orig)
	done := LeakCheck(c)
	c.Check(ctxlog.SetOutput(orig), check.Not(check.Equals), orig)
	done()
	c.Check(ctxlog.SetOutput(orig), check.Equals, orig)
}
