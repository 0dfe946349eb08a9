package chunkuploader

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks work stopped by a pause, an abort or a cancelled context.
	// It is never retried and it is not reported as an upload failure.
	ErrCancelled = errors.New("upload cancelled")

	// ErrSessionNotFound is returned by a Collaborator for unknown upload sessions.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrUploadInProgress is returned by Start while another upload is not finished yet.
	ErrUploadInProgress = errors.New("an upload is already in progress")

	// ErrNothingToResume is returned by Resume when there is no paused or failed upload.
	ErrNothingToResume = errors.New("no paused or failed upload to resume")

	// ErrNothingToAbort is returned when there is no upload session to abort.
	ErrNothingToAbort = errors.New("no upload session to abort")

	// ErrEmptyFile is returned for zero byte targets, a multipart upload needs at least one part.
	ErrEmptyFile = errors.New("file is empty")
)

// TransferError is a failed attempt of uploading a single part. It is retried.
type TransferError struct {
	PartNumber int
	Op         string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("part %d: %s: %s", e.PartNumber, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ExhaustedRetriesError is returned when every allowed attempt failed with a TransferError.
// Err is the error of the last attempt.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %s", e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Err
}

// FinalizeError is returned when the collaborator rejects completing the upload.
// The remote session is already aborted when it is returned.
type FinalizeError struct {
	Err error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("complete upload: %s", e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

func cancelledf(format string, v ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrCancelled)
}
