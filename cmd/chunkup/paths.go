package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
)

const fallbackContentType = "application/octet-stream"

type pathEvaluator struct {
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// evaluate expands the glob patterns of paths and returns the absolute paths of the regular files, in order.
func (e pathEvaluator) evaluate(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := e.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %s: %w", path, err)
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	var finalPaths []string
	seen := map[string]bool{}
	for _, path := range expandedPaths {
		absPath, err := e.pathModifier.AbsPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse path %s: %w", path, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("file doesn't exist: %s", path)
		}
		if info.IsDir() {
			e.logger.Warnf("Skipping directory: %s", path)
			continue
		}
		if seen[absPath] {
			continue
		}

		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

// detectContentType sniffs the content type of the file, falling back to application/octet-stream.
func detectContentType(path string, logger log.Logger) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		logger.Warnf("Failed to detect content type of %s: %s", path, err)
		return fallbackContentType
	}
	return mtype.String()
}
