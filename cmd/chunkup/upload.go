package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

type uploader struct {
	orchestrator *chunkuploader.Orchestrator
	logger       log.Logger
}

func newUploader(cfg uploadConfig, store session.Store, logger log.Logger) *uploader {
	orchestratorConfig := cfg.orchestratorConfig()
	orchestratorConfig.OnProgress = progressLogger(logger)

	client := network.NewClient(cfg.ServerURL, logger)
	return &uploader{
		orchestrator: chunkuploader.NewOrchestrator(orchestratorConfig, client, store, logger),
		logger:       logger,
	}
}

// uploadAll uploads the files one after another and stops at the first one not completed.
// A paused upload is not an error, running the command again resumes it.
func (u *uploader) uploadAll(ctx context.Context, paths []string) error {
	for i, path := range paths {
		u.logger.Println()
		u.logger.Infof("Uploading %s (%d/%d)", path, i+1, len(paths))

		result, err := u.upload(ctx, path)
		if err != nil {
			var exhausted *chunkuploader.ExhaustedRetriesError
			if errors.As(err, &exhausted) {
				u.logger.Warnf("Run the command again to resume the upload")
			}
			return fmt.Errorf("upload %s: %w", path, err)
		}

		if result.Status == chunkuploader.StatusPaused {
			u.logger.Warnf("Upload paused, run the command again to resume it")
			return nil
		}
		u.logger.Donef("Uploaded %s to %s", path, result.Key)
	}

	return nil
}

func (u *uploader) upload(ctx context.Context, path string) (chunkuploader.Result, error) {
	source, err := chunkuploader.NewFileChunkSource(path)
	if err != nil {
		return chunkuploader.Result{}, err
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	target := chunkuploader.UploadTarget{
		FileName:    filepath.Base(path),
		FileSize:    source.Size(),
		ContentType: detectContentType(path, u.logger),
	}
	u.logger.Printf("Size: %s, content type: %s", units.HumanSizeWithPrecision(float64(target.FileSize), 3), target.ContentType)

	startTime := time.Now()
	result, err := u.orchestrator.Start(ctx, target, source)
	if err != nil {
		return result, err
	}

	stats := u.orchestrator.Stats()
	u.logger.Debugf("%d parts uploaded in %s (average part time: %s, failed attempts: %d)",
		stats.FinishedCount(), time.Since(startTime).Round(time.Millisecond), stats.Average().Round(time.Millisecond), stats.FailedAttempts())
	return result, nil
}

// abortStored aborts the session stored for the file at path.
func (u *uploader) abortStored(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file doesn't exist: %s", path)
	}

	target := chunkuploader.UploadTarget{FileName: filepath.Base(path), FileSize: info.Size()}
	err = u.orchestrator.AbortStored(ctx, target)
	if errors.Is(err, chunkuploader.ErrNothingToAbort) {
		u.logger.Warnf("No stored upload session for %s", path)
		return nil
	}
	return err
}

func progressLogger(logger log.Logger) func(chunkuploader.ProgressSnapshot) {
	return func(p chunkuploader.ProgressSnapshot) {
		logger.Printf("%d/%d parts, %s / %s (%.1f%%), %s/s",
			p.UploadedChunks, p.TotalChunks,
			units.HumanSizeWithPrecision(float64(p.UploadedBytes), 3),
			units.HumanSizeWithPrecision(float64(p.TotalBytes), 3),
			p.Percent(),
			units.HumanSizeWithPrecision(p.SpeedBytesPerSec, 3))
	}
}
