package s3

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// ClientConfig holds the configuration for creating one regional S3 client
type ClientConfig struct {
	Config *replicax.S3Config
	Region string
	Logger *zap.Logger

	// ClientOptions are applied to the s3.Options after the defaults
	ClientOptions []func(*s3.Options)
}

// awsConfigLoader is a function that loads an aws.Config given LoadOptions.
type awsConfigLoader func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error)

func defaultLoader(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, opts...)
}

// NewClient creates an S3 service client bound to one AWS region. No request
// is made; credentials are resolved lazily by the SDK.
func NewClient(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	return newClientWithLoader(ctx, cc, defaultLoader)
}

func newClientWithLoader(ctx context.Context, cc ClientConfig, loader awsConfigLoader) (*s3.Client, error) {
	if cc.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cc.Logger == nil {
		cc.Logger = zap.NewNop()
	}
	cfg := cc.Config

	awsConfig, credSource, err := buildAWSConfigWithLoader(ctx, cfg, cc.Region, cc.Logger, loader)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		// Configure path-style addressing for MinIO compatibility
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}

		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.GetEndpointURL())
		}

		o.HTTPClient = &http.Client{
			Timeout: cfg.RequestTimeout,
		}

		for _, opt := range cc.ClientOptions {
			opt(o)
		}
	})

	cc.Logger.Debug("S3 client created",
		zap.String("region", cc.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("use_path_style", cfg.UsePathStyle),
		zap.String("cred_source", credSource),
	)

	return client, nil
}

// buildAWSConfigWithLoader builds an AWS config using the supplied loader (testable).
// It returns the loaded aws.Config and the detected credential source (one of:
// "static", "profile", "sdk-default", "assumed-role").
func buildAWSConfigWithLoader(ctx context.Context, cfg *replicax.S3Config, region string, logger *zap.Logger, loader awsConfigLoader) (aws.Config, string, error) {
	var options []func(*config.LoadOptions) error
	credSource := "unknown"

	if region != "" {
		options = append(options, config.WithRegion(region))
	}

	switch {
	case cfg.AccessKey != "" && cfg.SecretKey != "":
		credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
		options = append(options, config.WithCredentialsProvider(credProvider))
		credSource = "static"
	case cfg.Profile != "":
		options = append(options, config.WithSharedConfigProfile(cfg.Profile))
		credSource = "profile"
	case !cfg.UseSDKDefaults && cfg.RoleARN == "":
		// When UseSDKDefaults is false, only use explicitly provided credentials
		return aws.Config{}, credSource, fmt.Errorf("use_sdk_defaults is false but no explicit credentials provided (access_key/secret_key, profile or role_arn)")
	}

	// Configure retries with exponential backoff
	options = append(options, config.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = max(cfg.MaxRetries, 1)
			o.MaxBackoff = cfg.BackoffMax
			o.Backoff = createBackoffStrategy(cfg)
		})
	}))

	awsConfig, err := loader(ctx, options...)
	if err != nil {
		return aws.Config{}, credSource, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	if credSource == "unknown" {
		credSource = "sdk-default"
	}

	// RoleARN is not a credential by itself: the already-loaded credentials
	// authenticate the STS AssumeRole call.
	if cfg.RoleARN != "" {
		logger.Info("Config requests STS AssumeRole", zap.String("role_arn", cfg.RoleARN), zap.String("region", region))

		stsClient := sts.NewFromConfig(awsConfig)
		assumeProv := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
			o.RoleSessionName = "replicax-assume-role"
		})

		awsConfig.Credentials = aws.NewCredentialsCache(assumeProv)
		credSource = "assumed-role"
	}

	return awsConfig, credSource, nil
}

// createBackoffStrategy creates a jittered exponential backoff delayer
func createBackoffStrategy(cfg *replicax.S3Config) retry.BackoffDelayerFunc {
	return func(attempt int, err error) (time.Duration, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BackoffInitial
		b.MaxInterval = cfg.BackoffMax
		b.MaxElapsedTime = 0 // No maximum elapsed time
		b.Multiplier = 2.0
		b.RandomizationFactor = 0.1
		b.Reset()

		var delay time.Duration
		for range attempt {
			delay = b.NextBackOff()
			if delay == backoff.Stop {
				break
			}
		}

		return delay, nil
	}
}
