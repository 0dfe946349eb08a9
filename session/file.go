package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// FileStore keeps the session record as a JSON file in a directory.
type FileStore struct {
	path        string
	fileManager fileutil.FileManager
	pathChecker pathutil.PathChecker
	logger      log.Logger
}

// NewFileStore creates a FileStore writing to <dir>/multipart-upload-session.json.
func NewFileStore(dir string, logger log.Logger) *FileStore {
	return &FileStore{
		path:        filepath.Join(dir, SlotKey+".json"),
		fileManager: fileutil.NewFileManager(),
		pathChecker: pathutil.NewPathChecker(),
		logger:      logger,
	}
}

// Path returns the location of the session file.
func (s *FileStore) Path() string {
	return s.path
}

// Load ...
func (s *FileStore) Load(ctx context.Context, target Target) (*Session, error) {
	exists, err := s.pathChecker.IsPathExists(s.path)
	if err != nil {
		return nil, fmt.Errorf("check session file: %w", err)
	}
	if !exists {
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	return resolve(ctx, data, target, s.Clear, s.logger), nil
}

// Save writes the record next to the final path first and renames it into place,
// so a crash never leaves a half written record behind.
func (s *FileStore) Save(_ context.Context, target Target, session Session) error {
	data, err := encodeRecord(target, session)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := s.fileManager.WriteBytes(tmpPath, data); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("move session file in place: %w", err)
	}

	s.logger.Debugf("Upload session saved to %s", s.path)
	return nil
}

// Clear ...
func (s *FileStore) Clear(_ context.Context) error {
	exists, err := s.pathChecker.IsPathExists(s.path)
	if err != nil {
		return fmt.Errorf("check session file: %w", err)
	}
	if !exists {
		return nil
	}

	if err := s.fileManager.Remove(s.path); err != nil {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
