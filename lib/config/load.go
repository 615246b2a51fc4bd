// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the fleetscaler configuration file over the
// built-in defaults.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

const DefaultConfigFile = "/etc/fleetscaler/config.yml"

type Loader struct {
	Logger logrus.FieldLogger
	// Config file location, or "-" to read from stdin.
	Path string

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file location. cmd.ParseFlags replaces it with $FLEETSCALER_CONFIG
// when that is set.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{stdin: stdin, Logger: logger, Path: DefaultConfigFile}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/fleetscaler/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file`, or - to read stdin")
}

func (ldr *Loader) read() ([]byte, error) {
	if ldr.Path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	return os.ReadFile(ldr.Path)
}

// Load reads the config file, merges it over the defaults, and
// checks the result.
func (ldr *Loader) Load() (*fleet.Config, error) {
	buf, err := ldr.read()
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*fleet.Config, error) {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, errors.New("config file is empty")
	}
	defaults, err := yamlToMap(DefaultYAML)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	site, err := yamlToMap(buf)
	if err != nil {
		return nil, err
	}
	ldr.warnExtraKeys(site)

	// Entries given in the site config replace the defaults, even
	// if they are zero values like false or "". Maps like
	// CustomTags are merged key by key.
	if err := mergo.Merge(&defaults, site, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config over defaults: %w", err)
	}
	merged, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	// Decode over the typed defaults so null entries keep the
	// default value.
	var cfg fleet.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func yamlToMap(buf []byte) (map[string]interface{}, error) {
	j, err := yaml.YAMLToJSON(buf)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(j, &m); err != nil {
		return nil, fmt.Errorf("config must be a YAML mapping: %w", err)
	}
	return m, nil
}

// warnExtraKeys logs a warning for each entry of the site config
// that does not correspond to a config field.
func (ldr *Loader) warnExtraKeys(site map[string]interface{}) {
	j, err := json.Marshal(site)
	if err != nil {
		return
	}
	var decoded fleet.Config
	if err := json.Unmarshal(j, &decoded); err != nil {
		// Reported by the real decode.
		return
	}
	var expected interface{}
	if j, err = json.Marshal(decoded); err != nil {
		return
	} else if err = json.Unmarshal(j, &expected); err != nil {
		return
	}
	for _, key := range extraKeys("", site, expected) {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", key)
	}
}

// extraKeys returns the dotted paths of the keys present in have but
// not in want. Map keys chosen by the user (labels, tags) appear in
// both and are not reported.
func extraKeys(prefix string, have, want interface{}) []string {
	hmap, ok := have.(map[string]interface{})
	if !ok {
		return nil
	}
	wmap, ok := want.(map[string]interface{})
	if !ok {
		return nil
	}
	var extra []string
	for k, hv := range hmap {
		if hv == nil {
			continue
		}
		wv, ok := wmap[k]
		if !ok {
			// Struct fields decode case-insensitively.
			for wk, v := range wmap {
				if strings.EqualFold(wk, k) {
					wv, ok = v, true
					break
				}
			}
		}
		if !ok {
			extra = append(extra, prefix+k)
			continue
		}
		extra = append(extra, extraKeys(prefix+k+".", hv, wv)...)
	}
	sort.Strings(extra)
	return extra
}
