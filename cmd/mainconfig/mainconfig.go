package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/teletherapy-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/teletherapy-platform/internal/config"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID, dynamodb.ServiceID, sesv2.ServiceID:
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}

// usesAWS reports whether any configured feature needs an AWS client.
func usesAWS(cfg *appconfig.Config) bool {
	return cfg.SMSQueueURL != "" || cfg.TransitionArchiveTable != "" ||
		(cfg.SESFromEmail != "" && cfg.SendGridAPIKey == "")
}

// Connect opens every configured backend. The returned func closes them.
func Connect(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (bootstrap.Resources, func(), error) {
	var (
		res     bootstrap.Resources
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if pool := bootstrap.ConnectPostgresPool(ctx, cfg.DatabaseURL, logger); pool != nil {
		res.Pool = pool
		closers = append(closers, pool.Close)

		db, err := bootstrap.OpenQueueDB(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return bootstrap.Resources{}, func() {}, err
		}
		res.QueueDB = db
		closers = append(closers, func() { _ = db.Close() })
	}

	if client := bootstrap.BuildRedisClient(ctx, cfg, logger, true); client != nil {
		res.Redis = client
		closers = append(closers, func() { _ = client.Close() })
	}

	if usesAWS(cfg) {
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			closeAll()
			return bootstrap.Resources{}, func() {}, err
		}
		res.AWS = &awsCfg
	}

	logger.Info("backends connected", "resources", res.String())
	return res, closeAll, nil
}
