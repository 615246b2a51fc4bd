// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"strings"

	"git.arvados.org/fleetscaler.git/lib/cmdtest"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := CheckCommand.RunCommand("check-config", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `check-config: flag provided but not defined: -badarg \(try -help\)\n`)
}

func (s *CommandSuite) TestCheckEffectiveConfig(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("check-config", []string{"-config", "-"}, strings.NewReader(minimalYAML), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var cfg fleet.Config
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &cfg), check.IsNil)
	c.Check(cfg.EC2Instances.MaxInstances, check.Equals, 10)
	c.Check(cfg.EC2Instances.AllowedTypes[0].Name, check.Equals, "t3.medium")
}

func (s *CommandSuite) TestCheckInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("check-config", []string{"-config", "-"}, strings.NewReader(configWith("", "  Mode: nope", "")), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `Backend.Mode "nope": .*\n`)
}

func (s *CommandSuite) TestCheckStrict(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	in := minimalYAML + "Unknown: 1\n"
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("check-config", []string{"-config", "-", "-quiet"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Unknown.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("check-config", []string{"-config", "-", "-strict"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*config has 1 unknown entries\n`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
