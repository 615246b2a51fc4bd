// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 implements cloud.InstanceDirectory on Amazon EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/cloud/awsconfig"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	throttleDelayMin = time.Second
	throttleDelayMax = time.Minute

	instanceTypeCacheSize = 256
	defaultWaitTimeout    = 2 * time.Minute
)

type ec2API interface {
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceTypes(context.Context, *ec2.DescribeInstanceTypesInput, ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeSubnets(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(context.Context, *ec2.StartInstancesInput, ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(context.Context, *ec2.StopInstancesInput, ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(context.Context, *ec2.DeleteTagsInput, ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

// Directory is the EC2 implementation of cloud.InstanceDirectory.
type Directory struct {
	client ec2API
	logger logrus.FieldLogger

	// Upper bound on the time spent waiting for launched or
	// started instances to become visible.
	WaitTimeout time.Duration

	typeCache *lru.Cache

	// Most recently used subnet. Launch tries it first.
	mtx           sync.Mutex
	currentSubnet string

	prevAPIError atomic.Value

	mInstanceStarts *prometheus.CounterVec
	mAPIErrors      *prometheus.CounterVec
}

// New returns a Directory using the given access settings. If reg
// is not nil, metrics are registered there.
func New(ctx context.Context, access fleet.AWSAccess, logger logrus.FieldLogger, reg *prometheus.Registry) (*Directory, error) {
	cfg, err := awsconfig.Load(ctx, access, logger)
	if err != nil {
		return nil, err
	}
	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		o.BaseEndpoint = awsconfig.Endpoint(access)
	})
	return newDirectory(client, logger, reg), nil
}

func newDirectory(client ec2API, logger logrus.FieldLogger, reg *prometheus.Registry) *Directory {
	cache, err := lru.New(instanceTypeCacheSize)
	if err != nil {
		// only possible with a non-positive size
		panic(err)
	}
	d := &Directory{
		client:      client,
		logger:      logger,
		WaitTimeout: defaultWaitTimeout,
		typeCache:   cache,
	}
	d.registerMetrics(reg)
	return d
}

func (d *Directory) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mInstanceStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetscaler",
		Subsystem: "ec2",
		Name:      "instance_starts_total",
		Help:      "Number of attempts to launch instances, by subnet and outcome.",
	}, []string{"subnet_id", "success"})
	d.mAPIErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetscaler",
		Subsystem: "ec2",
		Name:      "api_errors_total",
		Help:      "Number of failed EC2 API calls, by operation and error code.",
	}, []string{"operation", "code"})
	reg.MustRegister(d.mInstanceStarts, d.mAPIErrors)
}

func (d *Directory) Instances(ctx context.Context, filter cloud.InstanceFilter) ([]cloud.InstanceData, error) {
	states := filter.States
	if len(states) == 0 {
		states = []cloud.InstanceState{cloud.StatePending, cloud.StateRunning}
	}
	var filters []types.Filter
	if len(filter.KeyNames) > 0 {
		filters = append(filters, types.Filter{Name: aws.String("key-name"), Values: filter.KeyNames})
	}
	stateNames := make([]string, len(states))
	for i, s := range states {
		stateNames[i] = string(s)
	}
	filters = append(filters, types.Filter{Name: aws.String("instance-state-name"), Values: stateNames})
	keys := make([]string, 0, len(filter.Tags))
	for k := range filter.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + k), Values: []string{filter.Tags[k]}})
	}
	return d.describe(ctx, &ec2.DescribeInstancesInput{Filters: filters})
}

func (d *Directory) describe(ctx context.Context, input *ec2.DescribeInstancesInput) ([]cloud.InstanceData, error) {
	var found []types.Instance
	pager := ec2.NewDescribeInstancesPaginator(d.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, d.wrapError("DescribeInstances", err)
		}
		for _, rsv := range page.Reservations {
			found = append(found, rsv.Instances...)
		}
	}
	return d.instanceData(ctx, found)
}

// instanceData converts EC2 instances, filling in the capacity of
// their instance types.
func (d *Directory) instanceData(ctx context.Context, instances []types.Instance) ([]cloud.InstanceData, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	var typeNames []string
	seen := map[string]bool{}
	for _, inst := range instances {
		if name := string(inst.InstanceType); !seen[name] {
			seen[name] = true
			typeNames = append(typeNames, name)
		}
	}
	its, err := d.InstanceTypes(ctx, typeNames)
	if err != nil {
		return nil, err
	}
	resources := map[string]fleet.Resources{}
	for _, it := range its {
		resources[it.Name] = it.Resources
	}
	var result []cloud.InstanceData
	for _, inst := range instances {
		data := cloud.InstanceData{
			ID:             cloud.InstanceID(aws.ToString(inst.InstanceId)),
			Type:           string(inst.InstanceType),
			Tags:           cloud.InstanceTags{},
			PrivateDNSName: aws.ToString(inst.PrivateDnsName),
			PrivateIP:      aws.ToString(inst.PrivateIpAddress),
			LaunchTime:     aws.ToTime(inst.LaunchTime),
			Resources:      resources[string(inst.InstanceType)].Clone(),
		}
		if inst.State != nil {
			data.State = cloud.InstanceState(inst.State.Name)
		}
		for _, t := range inst.Tags {
			data.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		result = append(result, data)
	}
	return result, nil
}

// InstanceTypes returns the capacity of the named instance types.
// Results are cached, since instance types do not change.
func (d *Directory) InstanceTypes(ctx context.Context, names []string) ([]fleet.InstanceType, error) {
	var result []fleet.InstanceType
	var missing []types.InstanceType
	for _, name := range names {
		if v, ok := d.typeCache.Get(name); ok {
			result = append(result, v.(fleet.InstanceType))
		} else {
			missing = append(missing, types.InstanceType(name))
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	input := &ec2.DescribeInstanceTypesInput{InstanceTypes: missing}
	pager := ec2.NewDescribeInstanceTypesPaginator(d.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, d.wrapError("DescribeInstanceTypes", err)
		}
		for _, info := range page.InstanceTypes {
			it, ok := instanceType(info)
			if !ok {
				continue
			}
			d.typeCache.Add(it.Name, it)
			result = append(result, it)
		}
	}
	return result, nil
}

func instanceType(info types.InstanceTypeInfo) (fleet.InstanceType, bool) {
	if info.VCpuInfo == nil || info.VCpuInfo.DefaultVCpus == nil || info.MemoryInfo == nil || info.MemoryInfo.SizeInMiB == nil {
		return fleet.InstanceType{}, false
	}
	it := fleet.InstanceType{
		Name: string(info.InstanceType),
		Resources: fleet.Resources{
			VCPUs: float64(*info.VCpuInfo.DefaultVCpus),
			RAM:   fleet.ByteSize(*info.MemoryInfo.SizeInMiB) << 20,
		},
	}
	if info.GpuInfo != nil {
		var gpus, vram int64
		for _, gpu := range info.GpuInfo.Gpus {
			count := int64(aws.ToInt32(gpu.Count))
			gpus += count
			if gpu.MemoryInfo != nil {
				vram += count * int64(aws.ToInt32(gpu.MemoryInfo.SizeInMiB)) << 20
			}
		}
		generic := map[string]float64{}
		if gpus > 0 {
			generic[fleet.GenericGPU] = float64(gpus)
		}
		if vram > 0 {
			generic[fleet.GenericVRAM] = float64(vram)
		}
		if len(generic) > 0 {
			it.Resources.Generic = generic
		}
	}
	return it, true
}

// Launch launches between minCount and count instances, trying each
// subnet with enough free addresses until one has capacity.
func (d *Directory) Launch(ctx context.Context, cfg cloud.LaunchConfig, minCount, count, maxTotal int) ([]cloud.InstanceData, error) {
	if count <= 0 {
		return nil, nil
	}
	if minCount < 1 {
		minCount = 1
	} else if minCount > count {
		minCount = count
	}
	logger := d.logger.WithFields(logrus.Fields{
		"InstanceType": cfg.Type.Name,
		"Count":        count,
		"MinCount":     minCount,
	})

	current, err := d.Instances(ctx, cloud.InstanceFilter{KeyNames: nonEmpty(cfg.KeyName), Tags: cfg.Tags})
	if err != nil {
		return nil, err
	}
	if len(current)+count > maxTotal {
		return nil, &cloud.TooManyInstancesError{MaxInstances: maxTotal}
	}

	subnets, err := d.subnetsWithCapacity(ctx, cfg.SubnetIDs, minCount)
	if err != nil {
		return nil, err
	}

	var tags []types.Tag
	keys := make([]string, 0, len(cfg.Tags))
	for k := range cfg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(cfg.Tags[k])})
	}
	input := ec2.RunInstancesInput{
		ImageId:                           aws.String(cfg.AMIID),
		InstanceType:                      types.InstanceType(cfg.Type.Name),
		MinCount:                          aws.Int32(int32(minCount)),
		MaxCount:                          aws.Int32(int32(count)),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(userData(cfg.StartupScript)),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
			{ResourceType: types.ResourceTypeNetworkInterface, Tags: tags},
		},
	}
	if cfg.KeyName != "" {
		input.KeyName = aws.String(cfg.KeyName)
	}
	if cfg.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(cfg.IAMInstanceProfile)}
	}

	var rsv *ec2.RunInstancesOutput
	var lastErr error
	for _, subnet := range subnets {
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   cfg.SecurityGroupIDs,
			SubnetId:                 aws.String(subnet),
		}}
		rsv, err = d.client.RunInstances(ctx, &input)
		d.mInstanceStarts.WithLabelValues(subnet, successLabel(err)).Add(1)
		if err == nil {
			d.mtx.Lock()
			d.currentSubnet = subnet
			d.mtx.Unlock()
			break
		}
		code := errorCode(err)
		if code != "InsufficientInstanceCapacity" && code != "InsufficientFreeAddressesInSubnet" {
			return nil, d.wrapError("RunInstances", err)
		}
		logger.WithField("SubnetID", subnet).WithError(err).Warn("insufficient capacity in subnet, trying next subnet")
		lastErr = err
		rsv = nil
	}
	if rsv == nil {
		return nil, &cloud.InsufficientCapacityError{InstanceType: cfg.Type.Name, SubnetIDs: subnets, Err: lastErr}
	}

	ids := make([]string, len(rsv.Instances))
	for i, inst := range rsv.Instances {
		ids[i] = aws.ToString(inst.InstanceId)
	}
	logger.WithField("InstanceIDs", ids).Info("launched instances")
	return d.waitAndDescribe(ctx, ids)
}

// waitAndDescribe waits for the instances to exist, then returns
// their current data. Addresses are only known once the instances
// are visible.
func (d *Directory) waitAndDescribe(ctx context.Context, ids []string) ([]cloud.InstanceData, error) {
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	waiter := ec2.NewInstanceExistsWaiter(d.client, func(o *ec2.InstanceExistsWaiterOptions) {
		o.MinDelay = time.Second
	})
	if err := waiter.Wait(ctx, input, d.WaitTimeout); err != nil {
		return nil, d.wrapError("DescribeInstances", err)
	}
	return d.describe(ctx, input)
}

// subnetsWithCapacity returns the subnets that have at least
// minCount free addresses, the most recently successful one first.
func (d *Directory) subnetsWithCapacity(ctx context.Context, subnetIDs []string, minCount int) ([]string, error) {
	out, err := d.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: subnetIDs})
	if err != nil {
		return nil, d.wrapError("DescribeSubnets", err)
	}
	available := map[string]int{}
	total := 0
	for _, subnet := range out.Subnets {
		n := int(aws.ToInt32(subnet.AvailableIpAddressCount))
		available[aws.ToString(subnet.SubnetId)] = n
		total += n
	}
	if total < minCount {
		return nil, &cloud.SubnetsNotEnoughIPsError{SubnetIDs: subnetIDs, Needed: minCount}
	}
	d.mtx.Lock()
	current := d.currentSubnet
	d.mtx.Unlock()
	var subnets []string
	for _, id := range subnetIDs {
		if available[id] < minCount {
			continue
		}
		if id == current {
			subnets = append([]string{id}, subnets...)
		} else {
			subnets = append(subnets, id)
		}
	}
	if len(subnets) == 0 {
		return nil, &cloud.SubnetsNotEnoughIPsError{SubnetIDs: subnetIDs, Needed: minCount}
	}
	return subnets, nil
}

func (d *Directory) Start(ctx context.Context, instances []cloud.InstanceData) ([]cloud.InstanceData, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	ids := instanceIDs(instances)
	d.logger.WithField("InstanceIDs", ids).Info("starting instances")
	_, err := d.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, d.wrapError("StartInstances", err)
	}
	return d.waitAndDescribe(ctx, ids)
}

func (d *Directory) Stop(ctx context.Context, instances []cloud.InstanceData) error {
	if len(instances) == 0 {
		return nil
	}
	ids := instanceIDs(instances)
	d.logger.WithField("InstanceIDs", ids).Info("stopping instances")
	_, err := d.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	if err != nil {
		return d.wrapError("StopInstances", err)
	}
	return nil
}

func (d *Directory) Terminate(ctx context.Context, instances []cloud.InstanceData) error {
	if len(instances) == 0 {
		return nil
	}
	ids := instanceIDs(instances)
	d.logger.WithField("InstanceIDs", ids).Info("terminating instances")
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return d.wrapError("TerminateInstances", err)
	}
	return nil
}

func (d *Directory) SetTags(ctx context.Context, instances []cloud.InstanceData, tags cloud.InstanceTags) error {
	if len(instances) == 0 || len(tags) == 0 {
		return nil
	}
	var ec2tags []types.Tag
	for k, v := range tags {
		ec2tags = append(ec2tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	sort.Slice(ec2tags, func(i, j int) bool { return *ec2tags[i].Key < *ec2tags[j].Key })
	_, err := d.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: instanceIDs(instances),
		Tags:      ec2tags,
	})
	if err != nil {
		return d.wrapError("CreateTags", err)
	}
	return nil
}

func (d *Directory) RemoveTags(ctx context.Context, instances []cloud.InstanceData, keys []string) error {
	if len(instances) == 0 || len(keys) == 0 {
		return nil
	}
	var ec2tags []types.Tag
	for _, k := range keys {
		ec2tags = append(ec2tags, types.Tag{Key: aws.String(k)})
	}
	_, err := d.client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: instanceIDs(instances),
		Tags:      ec2tags,
	})
	if err != nil {
		return d.wrapError("DeleteTags", err)
	}
	return nil
}

func instanceIDs(instances []cloud.InstanceData) []string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = string(inst.ID)
	}
	return ids
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func userData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte("#!/bin/bash\n" + script + "\n"))
}

func successLabel(err error) string {
	if err == nil {
		return "1"
	}
	return "0"
}

func errorCode(err error) string {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		return aerr.ErrorCode()
	}
	return ""
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

func (err rateLimitError) Unwrap() error {
	return err.error
}

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool {
	return true
}

func (err quotaError) Unwrap() error {
	return err.error
}

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":                true,
	"InsufficientAddressCapacity":          true,
	"InsufficientReservedInstanceCapacity": true,
	"MaxSpotInstanceCountExceeded":         true,
	"VcpuLimitExceeded":                    true,
}

func (d *Directory) wrapError(op string, err error) error {
	code := errorCode(err)
	if code != "" {
		d.mAPIErrors.WithLabelValues(op, code).Inc()
	}
	return wrapError(op, err, &d.prevAPIError)
}

// wrapError converts an EC2 API error to one of the error types
// callers check for. prevTimePtr holds the delay used for the
// previous rate limit error, so consecutive rate limit errors back
// off exponentially.
func wrapError(op string, err error, prevTimePtr *atomic.Value) error {
	code := errorCode(err)
	switch {
	case code == "":
		return err
	case code == "RequestLimitExceeded" || code == "Throttling" || code == "ThrottlingException":
		var d time.Duration
		if prevTimePtr != nil {
			if prev, ok := prevTimePtr.Load().(time.Duration); ok {
				d = prev * 2
			}
		}
		if d < throttleDelayMin {
			d = throttleDelayMin
		} else if d > throttleDelayMax {
			d = throttleDelayMax
		}
		if prevTimePtr != nil {
			prevTimePtr.Store(d)
		}
		return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
	case isCodeQuota[code]:
		return quotaError{err}
	case code == "InsufficientInstanceCapacity":
		return &cloud.InsufficientCapacityError{Err: err}
	case code == "InvalidInstanceID.NotFound" || code == "InvalidInstanceID.Malformed" || code == "InvalidID":
		return fmt.Errorf("%s: %w: %w", op, cloud.ErrInstanceNotFound, err)
	default:
		return &cloud.AccessError{Operation: op, Code: code, Err: err}
	}
}
