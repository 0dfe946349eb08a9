// Package session persists the identity of the single in-flight multipart upload, so an interrupted
// upload can be picked up again later, possibly by another process.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
)

// SlotKey is the fixed key of the one upload slot every Store implementation manages.
const SlotKey = "multipart-upload-session"

// Target identifies the file an upload session belongs to.
type Target struct {
	FileName string
	FileSize int64
}

// Session is the identity of a multipart upload issued by the storage collaborator.
type Session struct {
	UploadID string
	Key      string
}

// Store is a durable key-value slot holding at most one upload session.
//
// Load returns nil (and no error) when there is no stored session, when the stored session belongs to
// a different file, or when the stored record can't be decoded. The two latter cases also discard
// the record.
type Store interface {
	Load(ctx context.Context, target Target) (*Session, error)
	Save(ctx context.Context, target Target, session Session) error
	Clear(ctx context.Context) error
}

type record struct {
	Slot     string `json:"-" dynamodbav:"slot"`
	UploadID string `json:"uploadId" dynamodbav:"upload_id"`
	Key      string `json:"key" dynamodbav:"key"`
	FileName string `json:"fileName" dynamodbav:"file_name"`
	FileSize int64  `json:"fileSize" dynamodbav:"file_size"`
}

func newRecord(target Target, session Session) record {
	return record{
		Slot:     SlotKey,
		UploadID: session.UploadID,
		Key:      session.Key,
		FileName: target.FileName,
		FileSize: target.FileSize,
	}
}

// sessionFor returns the recorded session if it was created for target.
// Otherwise it returns the reason why the record has to be discarded.
func (r record) sessionFor(target Target) (*Session, string) {
	if r.UploadID == "" || r.Key == "" {
		return nil, "record has no upload id or key"
	}
	if r.FileName != target.FileName || r.FileSize != target.FileSize {
		return nil, fmt.Sprintf("record belongs to %s (%d bytes), not %s (%d bytes)",
			r.FileName, r.FileSize, target.FileName, target.FileSize)
	}
	return &Session{UploadID: r.UploadID, Key: r.Key}, ""
}

func encodeRecord(target Target, session Session) ([]byte, error) {
	data, err := json.Marshal(newRecord(target, session))
	if err != nil {
		return nil, fmt.Errorf("encode session record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("decode session record: %w", err)
	}
	return r, nil
}

// resolve turns a raw stored record into a session for target, clearing the slot when the record
// is unusable. A failing clear is logged only, the caller starts a fresh upload either way.
func resolve(ctx context.Context, data []byte, target Target, clear func(context.Context) error, logger log.Logger) *Session {
	r, err := decodeRecord(data)
	if err != nil {
		logger.Warnf("Discarding stored upload session: %s", err)
		discard(ctx, clear, logger)
		return nil
	}
	return resolveRecord(ctx, r, target, clear, logger)
}

func resolveRecord(ctx context.Context, r record, target Target, clear func(context.Context) error, logger log.Logger) *Session {
	s, reason := r.sessionFor(target)
	if s == nil {
		logger.Warnf("Discarding stored upload session: %s", reason)
		discard(ctx, clear, logger)
		return nil
	}
	return s
}

func discard(ctx context.Context, clear func(context.Context) error, logger log.Logger) {
	if err := clear(ctx); err != nil {
		logger.Warnf("Failed to discard stored upload session: %s", err)
	}
}
