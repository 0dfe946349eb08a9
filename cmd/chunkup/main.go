// Command chunkup uploads files through the chunked upload API and serves that API.
//
//	chunkup upload <path|pattern>...   upload files, resuming an interrupted upload of the same file
//	chunkup abort <path>               abort the stored upload session of a file
//	chunkup serve                      run the upload server
//
// Configuration is read from environment variables, see config.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const usage = `Usage:
  chunkup upload <path|pattern>...
  chunkup abort <path>
  chunkup serve`

var errUsage = errors.New(usage)

func main() {
	logger := log.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], stepconf.NewInputParser(env.NewRepository()), logger); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, parser stepconf.InputParser, logger log.Logger) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "upload":
		if len(args) < 2 {
			return errUsage
		}
		return runUpload(ctx, args[1:], parser, logger)
	case "abort":
		if len(args) != 2 {
			return errUsage
		}
		return runAbort(ctx, args[1], parser, logger)
	case "serve":
		return runServe(ctx, parser, logger)
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage)
	}
}

func runUpload(ctx context.Context, patterns []string, parser stepconf.InputParser, logger log.Logger) error {
	pathModifier := pathutil.NewPathModifier()
	cfg, err := parseUploadConfig(parser, pathModifier)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)
	stepconf.Print(cfg)

	paths, err := pathEvaluator{pathModifier: pathModifier, logger: logger}.evaluate(patterns)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to upload")
	}

	store, closeStore, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// A signal cancels ctx, which pauses the running upload and keeps its session for the next run.
	return newUploader(cfg, store, logger).uploadAll(ctx, paths)
}

func runAbort(ctx context.Context, path string, parser stepconf.InputParser, logger log.Logger) error {
	pathModifier := pathutil.NewPathModifier()
	cfg, err := parseUploadConfig(parser, pathModifier)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)

	absPath, err := pathModifier.AbsPath(path)
	if err != nil {
		return err
	}

	store, closeStore, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return newUploader(cfg, store, logger).abortStored(ctx, absPath)
}
