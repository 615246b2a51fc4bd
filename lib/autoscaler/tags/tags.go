// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package tags reads and writes the instance tags the autoscaler
// uses to keep state on cloud instances across ticks and restarts.
package tags

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

const Prefix = "io.fleetscaler.autoscaling."

// Tag keys.
const (
	KeyName                    = "Name"
	KeyVersion                 = Prefix + "version"
	KeyMonitoredNodesLabels    = Prefix + "monitored_nodes_labels"
	KeyMonitoredServicesLabels = Prefix + "monitored_services_labels"
	KeyDaskSchedulerURL        = Prefix + "dask-scheduler_url"
	KeyBufferMachine           = Prefix + "buffer_machine"
	KeyJoinCommandID           = Prefix + "docker_join_command_id"
	KeyPulling                 = Prefix + "pulling"
	KeyCommandID               = Prefix + "ssm-command-id"
	KeyPrePulledImages         = Prefix + "pre_pulled_images"
	KeyCustomPlacementLabels   = Prefix + "custom_placement_labels"
)

// ValueMaxLength is the longest value the cloud provider accepts for
// a single tag.
const ValueMaxLength = 256

// Version of the tag schema written on new instances.
const Version = "1"

var chunkKeyRe = regexp.MustCompile(`^(.*)_\((\d+)\)$`)

// TagDeserializationError is returned when a JSON value spread over
// instance tags cannot be decoded.
type TagDeserializationError struct {
	Key string
	Err error
}

func (e *TagDeserializationError) Error() string {
	return fmt.Sprintf("cannot decode instance tag %s: %s", e.Key, e.Err)
}

func (e *TagDeserializationError) Unwrap() error { return e.Err }

// DumpJSON encodes v as JSON and splits it into tags named
// key_(0), key_(1), ... with values no longer than ValueMaxLength.
func DumpJSON(key string, v interface{}) (cloud.InstanceTags, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(buf)
	tags := cloud.InstanceTags{}
	for n := 0; len(s) > 0 || n == 0; n++ {
		end := len(s)
		if end > ValueMaxLength {
			end = ValueMaxLength
		}
		tags[chunkKey(key, n)] = s[:end]
		s = s[end:]
	}
	return tags, nil
}

func chunkKey(key string, n int) string {
	return fmt.Sprintf("%s_(%d)", key, n)
}

// ListKeys returns the tag keys, plain or chunked, holding the value
// of key. The result is sorted.
func ListKeys(tags cloud.InstanceTags, key string) []string {
	var keys []string
	for k := range tags {
		if k == key {
			keys = append(keys, k)
		} else if m := chunkKeyRe.FindStringSubmatch(k); m != nil && m[1] == key {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadJSON reassembles and decodes the value of key into v. It
// returns false if no tag holds the value.
func LoadJSON(tags cloud.InstanceTags, key string, v interface{}) (bool, error) {
	if plain, ok := tags[key]; ok {
		if err := json.Unmarshal([]byte(plain), v); err != nil {
			return true, &TagDeserializationError{Key: key, Err: err}
		}
		return true, nil
	}
	chunks := map[int]string{}
	for k, val := range tags {
		m := chunkKeyRe.FindStringSubmatch(k)
		if m == nil || m[1] != key {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return true, &TagDeserializationError{Key: k, Err: err}
		}
		chunks[n] = val
	}
	if len(chunks) == 0 {
		return false, nil
	}
	var buf strings.Builder
	for n := 0; n < len(chunks); n++ {
		val, ok := chunks[n]
		if !ok {
			return true, &TagDeserializationError{Key: key, Err: fmt.Errorf("missing chunk %s", chunkKey(key, n))}
		}
		buf.WriteString(val)
	}
	if err := json.Unmarshal([]byte(buf.String()), v); err != nil {
		return true, &TagDeserializationError{Key: key, Err: err}
	}
	return true, nil
}

// PrePulledImages returns the images recorded as pre-pulled on the
// instance, or nil if none are recorded.
func PrePulledImages(tags cloud.InstanceTags) ([]string, error) {
	var images []string
	_, err := LoadJSON(tags, KeyPrePulledImages, &images)
	return images, err
}

// HasPrePulledImages returns true if the instance records a list of
// pre-pulled images, even an empty one.
func HasPrePulledImages(tags cloud.InstanceTags) bool {
	return len(ListKeys(tags, KeyPrePulledImages)) > 0
}

func PrePulledImagesTags(images []string) (cloud.InstanceTags, error) {
	if images == nil {
		images = []string{}
	}
	return DumpJSON(KeyPrePulledImages, images)
}

// CustomPlacementLabels returns the node labels requested for the
// instance at launch time.
func CustomPlacementLabels(tags cloud.InstanceTags) (map[string]string, error) {
	labels := map[string]string{}
	_, err := LoadJSON(tags, KeyCustomPlacementLabels, &labels)
	return labels, err
}

func CustomPlacementLabelsTags(labels map[string]string) (cloud.InstanceTags, error) {
	if len(labels) == 0 {
		return cloud.InstanceTags{}, nil
	}
	return DumpJSON(KeyCustomPlacementLabels, labels)
}

// IsPulling returns true if a pre-pull command was recorded as
// running on the instance.
func IsPulling(tags cloud.InstanceTags) bool {
	return tags[KeyPulling] == "true"
}

// PullingTags marks an instance as pulling images with the given
// command.
func PullingTags(commandID string, images []string) (cloud.InstanceTags, error) {
	imgTags, err := PrePulledImagesTags(images)
	if err != nil {
		return nil, err
	}
	return imgTags.Merge(cloud.InstanceTags{
		KeyPulling:   "true",
		KeyCommandID: commandID,
	}), nil
}

// PullingKeys are the tag keys removed once a pull command is done.
func PullingKeys() []string {
	return []string{KeyPulling, KeyCommandID}
}

// AllPullingKeys are PullingKeys plus the keys of the recorded
// pre-pulled images.
func AllPullingKeys(tags cloud.InstanceTags) []string {
	return append(PullingKeys(), ListKeys(tags, KeyPrePulledImages)...)
}

// IsWarmBuffer returns true if the instance was launched as a warm
// buffer, whether it is still deactivated or not.
func IsWarmBuffer(tags cloud.InstanceTags) bool {
	_, ok := tags[KeyBufferMachine]
	return ok
}

// PoolTags returns the tags common to every instance of the pool:
// the custom tags, the Name, and the schema version. Providers add
// the tags identifying what they monitor.
func PoolTags(cfg fleet.EC2InstancesConfig) cloud.InstanceTags {
	tags := cloud.InstanceTags{}
	for k, v := range cfg.CustomTags {
		tags[k] = v
	}
	name := cfg.NamePrefix
	if name == "" {
		name = "fleetscaler"
	}
	tags[KeyName] = name + "-worker"
	tags[KeyVersion] = Version
	return tags
}

// DeactivatedBufferTags returns the tags of a stopped warm buffer
// instance, given the base tags of the pool.
func DeactivatedBufferTags(base cloud.InstanceTags) cloud.InstanceTags {
	return base.Merge(cloud.InstanceTags{
		KeyName:          base[KeyName] + "-buffer",
		KeyBufferMachine: "true",
	})
}

// ActivatedBufferTags returns the tags of a warm buffer instance
// that was started to join the cluster.
func ActivatedBufferTags(base cloud.InstanceTags) cloud.InstanceTags {
	return base.Merge(cloud.InstanceTags{
		KeyBufferMachine: "false",
	})
}
