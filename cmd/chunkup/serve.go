package main

import (
	"context"

	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-chunkupload/uploadserver"
	"github.com/bitrise-io/go-utils/v2/log"
)

func runServe(ctx context.Context, parser stepconf.InputParser, logger log.Logger) error {
	cfg, err := parseServerConfig(parser)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)
	stepconf.Print(cfg)

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := uploadserver.NewServer(backend, uploadserver.Config{
		KeyPrefix:     cfg.KeyPrefix,
		PartURLExpiry: cfg.PartURLExpiry,
	}, logger)
	return server.Run(ctx, cfg.Addr)
}

func newBackend(ctx context.Context, cfg serverConfig, logger log.Logger) (uploadserver.Backend, error) {
	if cfg.Backend == backendMemory {
		logger.Warnf("Using the in-memory backend, uploads are lost on exit")
		return uploadserver.NewMemoryBackend(cfg.PublicURL), nil
	}

	return uploadserver.NewS3Backend(ctx, uploadserver.S3Params{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: string(cfg.SecretAccessKey),
		Endpoint:        cfg.Endpoint,
		UsePathStyle:    cfg.UsePathStyle,
	}, logger)
}
