// Package uploadserver implements the upload API used by network.Client: it starts, lists, completes
// and aborts multipart uploads in object storage and hands out pre-signed part upload URLs.
package uploadserver

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	// ErrNoSuchUpload is returned for unknown (or already completed/aborted) uploads.
	ErrNoSuchUpload = errors.New("NoSuchUpload")
	// ErrInvalidPart is returned when completing an upload with missing, unordered or mismatching parts.
	ErrInvalidPart = errors.New("InvalidPart")
)

// Part ...
type Part struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// Backend is the object storage holding the multipart uploads.
type Backend interface {
	CreateUpload(ctx context.Context, key, contentType string) (string, error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error)
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortUpload(ctx context.Context, key, uploadID string) error
}

// routeRegistrar is implemented by backends serving the pre-signed URLs themselves.
type routeRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}
