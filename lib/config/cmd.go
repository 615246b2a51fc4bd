// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/fleetscaler.git/lib/cmd"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
)

var CheckCommand checkCommand

type checkCommand struct{}

// RunCommand loads and checks the config file, then prints the
// effective config. It exits 1 if the config is invalid, or if it
// has unknown entries and -strict is given.
func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	logger := ctxlog.New(stderr, "text", "info")
	counter := &warnCounter{}
	logger.AddHook(counter)
	loader := NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	strict := flags.Bool("strict", false, "Exit 1 if the config has unknown entries")
	quiet := flags.Bool("quiet", false, "Do not print the effective config")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	if *strict && counter.warnings > 0 {
		err = fmt.Errorf("config has %d unknown entries", counter.warnings)
		return 1
	}
	if *quiet {
		return 0
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}
