package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
)

const maxErrorBodySize = 1024

// PartTransferClient uploads a single part: it requests a pre-signed URL and PUTs the chunk to it.
type PartTransferClient struct {
	signer     PartURLSigner
	httpClient *http.Client
	logger     log.Logger
}

// NewPartTransferClient ...
func NewPartTransferClient(signer PartURLSigner, httpClient *http.Client, logger log.Logger) *PartTransferClient {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &PartTransferClient{
		signer:     signer,
		httpClient: httpClient,
		logger:     logger,
	}
}

// UploadPart makes a single attempt of uploading the chunk d.
// Failures are *TransferError, unless ctx is done: then the error wraps ErrCancelled.
func (c *PartTransferClient) UploadPart(ctx context.Context, s RemoteSession, d ChunkDescriptor, data []byte) (CompletedPart, error) {
	if ctx.Err() != nil {
		return CompletedPart{}, cancelledf("part %d", d.PartNumber)
	}

	url, err := c.signer.PartURL(ctx, s, d.PartNumber)
	if err != nil {
		return CompletedPart{}, c.classify(ctx, d.PartNumber, "get upload url", err)
	}

	if ctx.Err() != nil {
		return CompletedPart{}, cancelledf("part %d", d.PartNumber)
	}

	etag, err := c.put(ctx, url, data)
	if err != nil {
		return CompletedPart{}, c.classify(ctx, d.PartNumber, "upload", err)
	}

	return CompletedPart{PartNumber: d.PartNumber, ETag: etag}, nil
}

// CloseIdleConnections closes idle connections of the underlying HTTP client.
func (c *PartTransferClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *PartTransferClient) put(ctx context.Context, url string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorBody)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("no ETag in response")
	}

	return etag, nil
}

func (c *PartTransferClient) classify(ctx context.Context, partNumber int, op string, err error) error {
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		return fmt.Errorf("part %d %s: %s: %w", partNumber, op, err, ErrCancelled)
	}
	return &TransferError{PartNumber: partNumber, Op: op, Err: err}
}
