package client

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"taskauth/internal/config"
	"taskauth/internal/util"
)

// NewKMSClient builds the AWS KMS client used to unwrap the secret-cipher
// master key at startup. Returns nil when KMS is disabled.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	if !cfg.KMS.Enabled {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	util.Info("KMS client initialized")
	return kms.NewFromConfig(awsCfg), nil
}
