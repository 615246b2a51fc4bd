// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvPrefix is the prefix of the environment variables that supply
// default flag values, like FLEETSCALER_CONFIG for -config.
const EnvPrefix = "FLEETSCALER_"

// EnvName returns the environment variable for the named flag:
// "instance-type" becomes FLEETSCALER_INSTANCE_TYPE.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ParseFlags parses args into flags. Flags not given in args take
// their value from the environment (see EnvName) when set there, so
// a supervisor can configure a subcommand without arguments.
//
// positional describes the accepted positional arguments for the
// usage message, or is "" if there are none.
//
// If ok is false the caller should exit with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}
	err := flags.Parse(args)
	flags.Usage = func() { usage(flags, prog, positional, stderr) }
	if errors.Is(err, flag.ErrHelp) {
		flags.Usage()
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	}
	if flags.NArg() > 0 && positional == "" {
		fmt.Fprintf(stderr, "%s: unexpected arguments %q (try -help)\n", prog, flags.Args())
		return false, 2
	}
	if err := setFromEnv(flags); err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return false, 2
	}
	return true, 0
}

func setFromEnv(flags *flag.FlagSet) error {
	given := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { given[f.Name] = true })
	var err error
	flags.VisitAll(func(f *flag.Flag) {
		if err != nil || given[f.Name] {
			return
		}
		env := EnvName(f.Name)
		if v, ok := os.LookupEnv(env); ok {
			if e := flags.Set(f.Name, v); e != nil {
				err = fmt.Errorf("invalid value %q in $%s: %w", v, env, e)
			}
		}
	})
	return err
}

func usage(flags *flag.FlagSet, prog, positional string, out io.Writer) {
	fmt.Fprintf(out, "Usage: %s [options] %s\n\n", prog, positional)
	fmt.Fprintf(out, "Options (also settable as %s<NAME> environment variables):\n", EnvPrefix)
	flags.SetOutput(out)
	flags.PrintDefaults()
	flags.SetOutput(io.Discard)
}
