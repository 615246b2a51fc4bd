// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudtest

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent/ssm"
	"git.arvados.org/fleetscaler.git/lib/cloud/ec2"
	"git.arvados.org/fleetscaler.git/lib/cmd"
	"git.arvados.org/fleetscaler.git/lib/config"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

var Command command

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", config.DefaultConfigFile, "Site configuration `file`")
	testID := flags.String("test-id", fmt.Sprintf("cloudtest-%d", os.Getpid()), "Test ID tag `value` to use on the test instance")
	instanceType := flags.String("instance-type", "", "Instance type to launch (if empty, use the first allowed type in config)")
	destroyExisting := flags.Bool("destroy-existing", false, "Terminate any existing instances tagged with our test ID, instead of erroring out")
	shellCommand := flags.String("command", "docker info", "Run a shell command on the test instance through the agent when it boots")
	timeoutBooting := flags.Duration("timeout-booting", 10*time.Minute, "Maximum time to wait for the instance agent")
	syncInterval := flags.Duration("sync-interval", 10*time.Second, "Time between polls of the instance list and command status")
	pauseBeforeDestroy := flags.Bool("pause-before-destroy", false, "Prompt and wait before terminating the test instance")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("fatal")
			// suppress output from the other error-printing func
			err = nil
		}
		logger.Info("exiting")
	}()

	loader := config.NewLoader(stdin, logger)
	loader.Path = *configFile
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	at, err := chooseInstanceType(cfg.EC2Instances, *instanceType)
	if err != nil {
		return 1
	}
	ctx := ctxlog.Context(context.Background(), logger)
	dir, err := ec2.New(ctx, cfg.EC2Access, logger, nil)
	if err != nil {
		return 1
	}
	agt, err := ssm.New(ctx, cfg.SSMAccess, logger, nil)
	if err != nil {
		return 1
	}
	if !(&tester{
		Logger:          logger,
		Directory:       dir,
		Agent:           agt,
		Config:          cfg.EC2Instances,
		Registry:        cfg.Registry,
		AllowedType:     at,
		TestID:          *testID,
		DestroyExisting: *destroyExisting,
		SyncInterval:    *syncInterval,
		TimeoutBooting:  *timeoutBooting,
		ShellCommand:    *shellCommand,
		PauseBeforeDestroy: func() {
			if *pauseBeforeDestroy {
				logger.Info("waiting for operator to press Enter")
				fmt.Fprint(stderr, "Press Enter to continue: ")
				bufio.NewReader(stdin).ReadString('\n')
			}
		},
	}).Run(ctx) {
		return 1
	}
	return 0
}

// Return the named allowed instance type, or the first one if
// name=="".
func chooseInstanceType(cfg fleet.EC2InstancesConfig, name string) (fleet.AllowedType, error) {
	if len(cfg.AllowedTypes) == 0 {
		return fleet.AllowedType{}, fmt.Errorf("no instance types are configured")
	} else if name == "" {
		return cfg.AllowedTypes[0], nil
	} else if at, ok := cfg.AllowedType(name); !ok {
		return at, fmt.Errorf("requested instance type %q is not configured", name)
	} else {
		return at, nil
	}
}
