// Package chunkuploader uploads a file to object storage as a resumable multipart upload.
// The file is split into fixed-size parts which are sent in parallel through pre-signed URLs;
// the upload can be paused, resumed (also from another process) and aborted.
package chunkuploader

import (
	"context"

	"github.com/bitrise-io/go-chunkupload/session"
)

// UploadTarget identifies the file being uploaded. ContentType is not part of the identity.
type UploadTarget struct {
	FileName    string
	FileSize    int64
	ContentType string
}

func (t UploadTarget) sessionTarget() session.Target {
	return session.Target{FileName: t.FileName, FileSize: t.FileSize}
}

// RemoteSession is the multipart upload held by the storage collaborator.
type RemoteSession = session.Session

// ChunkDescriptor is the byte range [Start, End) of the file uploaded as part PartNumber.
type ChunkDescriptor struct {
	PartNumber int
	Start      int64
	End        int64
}

// Size ...
func (d ChunkDescriptor) Size() int64 {
	return d.End - d.Start
}

// CompletedPart is a part accepted by the storage, identified by its ETag.
// The JSON field names are the ones the collaborator API uses.
type CompletedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// ChunkSource provides the bytes of a chunk.
// ReadChunk is called concurrently for different chunks, and again for every retry.
type ChunkSource interface {
	ReadChunk(d ChunkDescriptor) ([]byte, error)
}

// PartURLSigner issues a pre-signed URL for uploading one part of a session.
type PartURLSigner interface {
	PartURL(ctx context.Context, s RemoteSession, partNumber int) (string, error)
}

// Collaborator is the remote service managing multipart upload sessions.
// ListParts should fail with ErrSessionNotFound when the session doesn't exist (anymore).
type Collaborator interface {
	PartURLSigner
	StartSession(ctx context.Context, fileName, contentType string) (RemoteSession, error)
	ListParts(ctx context.Context, s RemoteSession) ([]CompletedPart, error)
	Complete(ctx context.Context, s RemoteSession, parts []CompletedPart) error
	Abort(ctx context.Context, s RemoteSession) error
}

// State is the lifecycle state of an Orchestrator.
type State int

// Orchestrator states.
const (
	StateIdle State = iota
	StatePlanning
	StateTransferring
	// StatePaused: the transfer was interrupted by Pause or by context cancellation.
	StatePaused
	// StateFailed: a part exhausted its retries. The session is kept, Resume continues it.
	StateFailed
	StateFinalizing
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Status is the outcome of a Start or Resume call.
type Status string

// Upload statuses.
const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusAborted   Status = "aborted"
)

// Result ...
type Result struct {
	Status Status
	// Key is the object key of the upload.
	Key string
	// Parts is only set for completed uploads, sorted by part number.
	Parts []CompletedPart
}
