package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-chunkupload/uploadserver"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	storeFile     = "file"
	storeRedis    = "redis"
	storeDynamoDB = "dynamodb"

	backendS3     = "s3"
	backendMemory = "memory"
)

type uploadConfig struct {
	ServerURL      string            `env:"CHUNKUP_SERVER_URL"`
	ChunkSize      stepconf.ByteSize `env:"CHUNKUP_CHUNK_SIZE"`
	Concurrency    int               `env:"CHUNKUP_CONCURRENCY"`
	MaxAttempts    int               `env:"CHUNKUP_MAX_ATTEMPTS"`
	RetryBaseDelay time.Duration     `env:"CHUNKUP_RETRY_BASE_DELAY"`
	HungThreshold  time.Duration     `env:"CHUNKUP_HUNG_THRESHOLD"`
	SessionStore   string            `env:"CHUNKUP_SESSION_STORE"`
	SessionDir     string            `env:"CHUNKUP_SESSION_DIR"`
	SessionTTL     time.Duration     `env:"CHUNKUP_SESSION_TTL"`
	RedisURL       stepconf.Secret   `env:"CHUNKUP_REDIS_URL"`
	RedisKeyPrefix string            `env:"CHUNKUP_REDIS_KEY_PREFIX"`
	DynamoDBTable  string            `env:"CHUNKUP_DYNAMODB_TABLE"`
	AWSRegion      string            `env:"AWS_REGION"`
	Verbose        bool              `env:"CHUNKUP_VERBOSE"`
}

type serverConfig struct {
	Addr            string          `env:"CHUNKUP_ADDR"`
	Backend         string          `env:"CHUNKUP_BACKEND"`
	PublicURL       string          `env:"CHUNKUP_PUBLIC_URL"`
	KeyPrefix       string          `env:"CHUNKUP_KEY_PREFIX"`
	PartURLExpiry   time.Duration   `env:"CHUNKUP_PART_URL_EXPIRY"`
	Bucket          string          `env:"AWS_BUCKET"`
	Region          string          `env:"AWS_REGION"`
	AccessKeyID     string          `env:"AWS_ACCESS_KEY"`
	SecretAccessKey stepconf.Secret `env:"AWS_SECRET_KEY"`
	Endpoint        string          `env:"AWS_ENDPOINT_URL_S3"`
	UsePathStyle    bool            `env:"AWS_S3_USE_PATH_STYLE"`
	Verbose         bool            `env:"CHUNKUP_VERBOSE"`
}

func defaultUploadConfig() uploadConfig {
	defaults := chunkuploader.DefaultConfig()
	return uploadConfig{
		ServerURL:      "http://localhost:5000",
		ChunkSize:      stepconf.ByteSize(defaults.ChunkSize),
		Concurrency:    defaults.Concurrency,
		MaxAttempts:    defaults.MaxAttempts,
		RetryBaseDelay: defaults.RetryBaseDelay,
		HungThreshold:  defaults.HungThreshold,
		SessionStore:   storeFile,
		SessionDir:     "~/.chunkup",
		SessionTTL:     7 * 24 * time.Hour,
		RedisKeyPrefix: "chunkup:",
	}
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Addr:          ":5000",
		Backend:       backendS3,
		PublicURL:     "http://localhost:5000",
		KeyPrefix:     uploadserver.DefaultKeyPrefix,
		PartURLExpiry: uploadserver.DefaultPartURLExpiry,
	}
}

func parseUploadConfig(parser stepconf.InputParser, pathModifier pathutil.PathModifier) (uploadConfig, error) {
	cfg := defaultUploadConfig()
	if err := parser.Parse(&cfg); err != nil {
		return uploadConfig{}, err
	}

	switch cfg.SessionStore {
	case storeFile:
		dir, err := pathModifier.AbsPath(cfg.SessionDir)
		if err != nil {
			return uploadConfig{}, fmt.Errorf("session dir: %w", err)
		}
		cfg.SessionDir = filepath.Clean(dir)
	case storeRedis:
		if cfg.RedisURL == "" {
			return uploadConfig{}, fmt.Errorf("CHUNKUP_REDIS_URL is required for the %s session store", storeRedis)
		}
	case storeDynamoDB:
		if cfg.DynamoDBTable == "" {
			return uploadConfig{}, fmt.Errorf("CHUNKUP_DYNAMODB_TABLE is required for the %s session store", storeDynamoDB)
		}
	default:
		return uploadConfig{}, fmt.Errorf("unknown session store: %s (options: %s, %s, %s)", cfg.SessionStore, storeFile, storeRedis, storeDynamoDB)
	}

	if cfg.ChunkSize <= 0 {
		return uploadConfig{}, fmt.Errorf("chunk size must be positive")
	}

	return cfg, nil
}

func parseServerConfig(parser stepconf.InputParser) (serverConfig, error) {
	cfg := defaultServerConfig()
	if err := parser.Parse(&cfg); err != nil {
		return serverConfig{}, err
	}

	switch cfg.Backend {
	case backendS3:
		if cfg.Bucket == "" {
			return serverConfig{}, fmt.Errorf("AWS_BUCKET is required for the %s backend", backendS3)
		}
	case backendMemory:
	default:
		return serverConfig{}, fmt.Errorf("unknown backend: %s (options: %s, %s)", cfg.Backend, backendS3, backendMemory)
	}

	return cfg, nil
}

func (c uploadConfig) orchestratorConfig() chunkuploader.Config {
	cfg := chunkuploader.DefaultConfig()
	cfg.ChunkSize = int64(c.ChunkSize)
	cfg.Concurrency = c.Concurrency
	cfg.MaxAttempts = c.MaxAttempts
	cfg.RetryBaseDelay = c.RetryBaseDelay
	cfg.HungThreshold = c.HungThreshold
	return cfg
}
