// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package bootscript generates the shell commands run on new
// instances at boot time and through the agent.
package bootscript

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/ghodss/yaml"
)

const (
	PrePullComposePath = "/docker-pull.compose.yml"
	PullScriptPath     = "/docker-pull-script.sh"
	CronLogPath        = "/var/log/docker-pull-cronjob.log"
)

// Names of the commands sent through the agent.
const (
	PullCommandName = "docker images pulling"
	JoinCommandName = "docker swarm join"
)

// DockerPullCommand pulls the images listed in the pre-pull compose
// file.
const DockerPullCommand = "docker compose --project-name=autoscaleprepull --file=" + PrePullComposePath + " pull --ignore-pull-failures"

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FullPrePullImages returns the sorted, deduplicated list of images
// an instance of the given type pre-pulls.
func FullPrePullImages(at fleet.AllowedType, reg fleet.RegistryConfig) []string {
	seen := map[string]bool{}
	images := []string{}
	for _, img := range append(append([]string(nil), at.PrePullImages...), reg.PrePullImages...) {
		if !seen[img] {
			seen[img] = true
			images = append(images, img)
		}
	}
	sort.Strings(images)
	return images
}

// ComposeFile returns a compose file with one service per image.
func ComposeFile(images []string) (string, error) {
	services := map[string]interface{}{}
	for _, img := range images {
		parts := strings.Split(img, "/")
		name := strings.ReplaceAll(parts[len(parts)-1], ":", "-")
		services[name] = map[string]string{"image": img}
	}
	buf, err := yaml.Marshal(map[string]interface{}{"services": services})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteComposeFileCommand writes the pre-pull compose file.
func WriteComposeFileCommand(images []string) (string, error) {
	compose, err := ComposeFile(images)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("printf '%%s' %s > %s", Quote(compose), PrePullComposePath), nil
}

// PrePullCommand replaces the compose file and pulls its images.
func PrePullCommand(images []string) (string, error) {
	write, err := WriteComposeFileCommand(images)
	if err != nil {
		return "", err
	}
	return write + " && " + DockerPullCommand, nil
}

// DockerLoginCommand logs in to the registry, or returns "" if no
// registry is configured.
func DockerLoginCommand(reg fleet.RegistryConfig) string {
	if reg.URL == "" {
		return ""
	}
	return fmt.Sprintf("echo %s | docker login --username %s --password-stdin %s", Quote(reg.Password), Quote(reg.User), Quote(reg.URL))
}

// PullImagesOnStartCommand installs and runs a script pulling the
// given images, or returns "" if there are none.
func PullImagesOnStartCommand(images []string) (string, error) {
	if len(images) == 0 {
		return "", nil
	}
	write, err := WriteComposeFileCommand(images)
	if err != nil {
		return "", err
	}
	script := "#!/bin/sh\necho Pulling started at $(date)\n" + DockerPullCommand + "\n"
	return strings.Join([]string{
		write,
		fmt.Sprintf("printf '%%s' %s > %s", Quote(script), PullScriptPath),
		"chmod +x " + PullScriptPath,
		"." + PullScriptPath,
	}, " && "), nil
}

// PullImagesCrontab adds a cron job running the pull script every
// interval, rounded to minutes and at least every minute.
func PullImagesCrontab(interval time.Duration) string {
	minutes := int(math.Round(interval.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	entry := fmt.Sprintf("*/%d * * * * root %s >> %s 2>&1", minutes, PullScriptPath, CronLogPath)
	return fmt.Sprintf("echo %s >> /etc/crontab", Quote(entry))
}

// StartupScript returns the boot script of an instance launched to
// join the cluster right away.
func StartupScript(at fleet.AllowedType, reg fleet.RegistryConfig, joinCommand string) (string, error) {
	cmds := append([]string(nil), at.CustomBootScripts...)
	if login := DockerLoginCommand(reg); login != "" {
		cmds = append(cmds, login)
	}
	cmds = append(cmds, joinCommand)
	if reg.URL != "" {
		pull, err := PullImagesOnStartCommand(at.PrePullImages)
		if err != nil {
			return "", err
		}
		if pull != "" {
			cmds = append(cmds, pull, PullImagesCrontab(at.PrePullImagesCronInterval.Duration()))
		}
	}
	return strings.Join(cmds, " && "), nil
}

// WarmBufferStartupScript returns the boot script of a warm buffer
// instance. It neither joins the cluster nor pulls images.
func WarmBufferStartupScript(at fleet.AllowedType, reg fleet.RegistryConfig) (string, error) {
	cmds := append([]string(nil), at.CustomBootScripts...)
	if len(at.PrePullImages) > 0 {
		if login := DockerLoginCommand(reg); login != "" {
			cmds = append(cmds, login)
		}
		write, err := WriteComposeFileCommand(at.PrePullImages)
		if err != nil {
			return "", err
		}
		cmds = append(cmds, write)
	}
	return strings.Join(cmds, " && "), nil
}
