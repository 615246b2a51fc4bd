// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package awsconfig loads aws-sdk-go-v2 configuration for the EC2
// and SSM clients.
package awsconfig

import (
	"context"
	"time"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/sirupsen/logrus"
)

// Load returns an aws.Config for the given access settings. If no
// static credentials are configured, the default SDK behavior
// (environment, shared config, IAM role) applies.
func Load(ctx context.Context, access fleet.AWSAccess, logger logrus.FieldLogger) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(access.Region),
		config.WithCredentialsCacheOptions(func(o *aws.CredentialsCacheOptions) {
			// IAM role credentials are refreshed at least
			// five minutes before they expire.
			o.ExpiryWindow = 5 * time.Minute
		}),
		func(o *config.LoadOptions) error {
			if access.AccessKeyID == "" && access.SecretAccessKey == "" {
				return nil
			}
			logger.Debug("using static credentials")
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     access.AccessKeyID,
					SecretAccessKey: access.SecretAccessKey,
					Source:          "fleetscaler configuration",
				},
			}
			return nil
		})
}

// Endpoint returns the BaseEndpoint override for a service client,
// or nil to use the default endpoint resolver.
func Endpoint(access fleet.AWSAccess) *string {
	if access.Endpoint == "" {
		return nil
	}
	return aws.String(access.Endpoint)
}
