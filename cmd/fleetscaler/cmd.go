// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"git.arvados.org/fleetscaler.git/lib/autoscaler"
	"git.arvados.org/fleetscaler.git/lib/cloud/cloudtest"
	"git.arvados.org/fleetscaler.git/lib/cmd"
	"git.arvados.org/fleetscaler.git/lib/config"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"service":         autoscaler.Command,
		"check-config":    config.CheckCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"cloudtest":       cloudtest.Command,
	})
)

func main() {
	cmd.Main(handler)
}
