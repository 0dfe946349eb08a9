package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

// newSessionStore returns the configured store and a func releasing its connections.
func newSessionStore(ctx context.Context, cfg uploadConfig, logger log.Logger) (session.Store, func(), error) {
	switch cfg.SessionStore {
	case storeRedis:
		opts, err := redis.ParseURL(string(cfg.RedisURL))
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warnf("Failed to close redis client: %s", err)
			}
		}

		logger.Debugf("Using redis session store (%s)", opts.Addr)
		return session.NewRedisStore(client, cfg.RedisKeyPrefix, cfg.SessionTTL, logger), closer, nil
	case storeDynamoDB:
		var opts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, config.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}

		logger.Debugf("Using dynamodb session store (table: %s)", cfg.DynamoDBTable)
		return session.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, logger), func() {}, nil
	default:
		logger.Debugf("Using file session store (%s)", cfg.SessionDir)
		return session.NewFileStore(cfg.SessionDir, logger), func() {}, nil
	}
}
