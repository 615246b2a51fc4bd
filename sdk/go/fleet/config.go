// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"time"
)

// Backend modes.
const (
	ModeSwarm = "swarm"
	ModeDask  = "dask"
)

// Lock drivers.
const (
	LockDriverPostgreSQL = "postgres"
	LockDriverEtcd       = "etcd"
	LockDriverLocal      = "local"
)

// Config is the fleet autoscaler configuration, as loaded from the
// YAML config file by lib/config.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	ManagementToken string
	Listen          string

	// Interval between reconciliation ticks.
	PollInterval Duration
	// Interval between warm buffer pool ticks.
	BufferPollInterval Duration
	// Maximum duration of a single tick. Zero means no limit.
	TickTimeout Duration

	Lock         LockConfig
	EC2Access    AWSAccess
	SSMAccess    SSMAccess
	EC2Instances EC2InstancesConfig
	Registry     RegistryConfig
	Backend      BackendConfig

	// Join new nodes with --availability=drain.
	DockerJoinDrained bool
	// Keep node availability "active" and use the services-ready
	// label alone to mark nodes drained.
	DrainNodesWithLabels bool
	// Wait for cloud-init to finish on a started warm buffer
	// instance before sending it the join command.
	WaitForCloudInitBeforeWarmBufferActivation bool
}

type LockConfig struct {
	Driver     string
	PostgreSQL struct {
		DSN string
	}
	Etcd struct {
		Endpoints   []string
		DialTimeout Duration
	}
	// Lease time-to-live for lock drivers that support expiry.
	TTL Duration
}

type AWSAccess struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type SSMAccess struct {
	AWSAccess
	// Maximum agent API calls per second.
	RateLimit float64
}

// AllowedType is the boot specification of an allowed EC2 instance
// type. The order of EC2InstancesConfig.AllowedTypes is significant:
// the first entry is the hot buffer type.
type AllowedType struct {
	Name                      string
	AMIID                     string
	CustomBootScripts         []string
	PrePullImages             []string
	PrePullImagesCronInterval Duration
	// Number of stopped warm buffer instances to keep.
	BufferCount int
	// Extra labels applied to nodes of this type when they join.
	CustomNodeLabels map[string]string
}

type EC2InstancesConfig struct {
	AllowedTypes       []AllowedType
	KeyName            string
	SecurityGroupIDs   []string
	SubnetIDs          []string
	AttachedIAMProfile string
	CustomTags         map[string]string
	NamePrefix         string

	MaxInstances int
	// Number of drained nodes of the hot buffer type to keep.
	MachinesBuffer int

	MaxStartTime               Duration
	TimeBeforeDraining         Duration
	TimeBeforeTermination      Duration
	TimeBeforeFinalTermination Duration

	// Capacity reserved for the system on every instance, not
	// advertised to the matcher.
	ReservedCPUs float64
	ReservedRAM  ByteSize
}

// AllowedType returns the boot specification for the named type.
func (c EC2InstancesConfig) AllowedType(name string) (AllowedType, bool) {
	for _, at := range c.AllowedTypes {
		if at.Name == name {
			return at, true
		}
	}
	return AllowedType{}, false
}

// AllowedTypeNames returns the allowed type names, in configured
// order.
func (c EC2InstancesConfig) AllowedTypeNames() []string {
	names := make([]string, 0, len(c.AllowedTypes))
	for _, at := range c.AllowedTypes {
		names = append(names, at.Name)
	}
	return names
}

// HotBufferType returns the name of the hot buffer type.
func (c EC2InstancesConfig) HotBufferType() string {
	if len(c.AllowedTypes) == 0 {
		return ""
	}
	return c.AllowedTypes[0].Name
}

type RegistryConfig struct {
	URL      string
	User     string
	Password string
	// Images every machine pre-pulls in addition to the images
	// of its boot specification.
	PrePullImages []string
}

type BackendConfig struct {
	Mode  string
	Swarm SwarmConfig
	Dask  DaskConfig
}

type SwarmConfig struct {
	DockerHost string
	// Label keys identifying the monitored nodes.
	NodeLabels []string
	// Label keys set on new nodes in addition to NodeLabels.
	NewNodesLabels []string
	// Label keys identifying the monitored services.
	ServiceLabels []string
}

type DaskConfig struct {
	SchedulerURL string
	AuthToken    string
}

// Check returns an error if the configuration cannot be used.
func (cfg *Config) Check() error {
	ec2 := cfg.EC2Instances
	if len(ec2.AllowedTypes) == 0 {
		return fmt.Errorf("EC2Instances.AllowedTypes cannot be empty")
	}
	seen := map[string]bool{}
	for _, at := range ec2.AllowedTypes {
		if at.Name == "" {
			return fmt.Errorf("EC2Instances.AllowedTypes: entry with empty Name")
		}
		if seen[at.Name] {
			return fmt.Errorf("EC2Instances.AllowedTypes: duplicate entry %q", at.Name)
		}
		seen[at.Name] = true
		if at.AMIID == "" {
			return fmt.Errorf("EC2Instances.AllowedTypes: %s: AMIID cannot be empty", at.Name)
		}
		if at.BufferCount < 0 {
			return fmt.Errorf("EC2Instances.AllowedTypes: %s: BufferCount cannot be negative", at.Name)
		}
	}
	if ec2.MaxInstances <= 0 {
		return fmt.Errorf("EC2Instances.MaxInstances must be positive")
	}
	if ec2.MachinesBuffer < 0 {
		return fmt.Errorf("EC2Instances.MachinesBuffer cannot be negative")
	}
	if len(ec2.SubnetIDs) == 0 {
		return fmt.Errorf("EC2Instances.SubnetIDs cannot be empty")
	}
	if cfg.PollInterval.Duration() <= 0 || cfg.BufferPollInterval.Duration() <= 0 {
		return fmt.Errorf("PollInterval and BufferPollInterval must be positive")
	}
	if ec2.MaxStartTime.Duration() < time.Second {
		return fmt.Errorf("EC2Instances.MaxStartTime is too short")
	}
	switch cfg.Backend.Mode {
	case ModeSwarm:
		if len(cfg.Backend.Swarm.NodeLabels) == 0 {
			return fmt.Errorf("Backend.Swarm.NodeLabels cannot be empty")
		}
	case ModeDask:
		if cfg.Backend.Dask.SchedulerURL == "" {
			return fmt.Errorf("Backend.Dask.SchedulerURL cannot be empty")
		}
	default:
		return fmt.Errorf("Backend.Mode %q: must be %q or %q", cfg.Backend.Mode, ModeSwarm, ModeDask)
	}
	switch cfg.Lock.Driver {
	case LockDriverPostgreSQL:
		if cfg.Lock.PostgreSQL.DSN == "" {
			return fmt.Errorf("Lock.PostgreSQL.DSN cannot be empty")
		}
	case LockDriverEtcd:
		if len(cfg.Lock.Etcd.Endpoints) == 0 {
			return fmt.Errorf("Lock.Etcd.Endpoints cannot be empty")
		}
	case LockDriverLocal:
	default:
		return fmt.Errorf("Lock.Driver %q: must be %q, %q or %q", cfg.Lock.Driver, LockDriverPostgreSQL, LockDriverEtcd, LockDriverLocal)
	}
	return nil
}
