package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type startRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type startResponse struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

type partURLRequest struct {
	Key        string `json:"key"`
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
}

type partURLResponse struct {
	URL string `json:"url"`
}

type listPartsResponse struct {
	Parts []chunkuploader.CompletedPart `json:"parts"`
}

type completeRequest struct {
	Key      string                        `json:"key"`
	UploadID string                        `json:"uploadId"`
	Parts    []chunkuploader.CompletedPart `json:"parts"`
}

type completeResponse struct {
	Success bool `json:"success"`
}

type abortRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type abortResponse struct {
	Aborted bool `json:"aborted"`
}

// APIError is a non-2xx answer of the upload API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to the upload API. It implements chunkuploader.Collaborator.
// Session calls are retried on network errors and 5xx answers. Part URL requests are not,
// their failures are retried by the part upload retry policy. Complete is sent once:
// a repeated complete request fails with 404 after the first one went through.
type Client struct {
	httpClient *retryablehttp.Client
	onceClient *retryablehttp.Client
	baseURL    string
	logger     log.Logger
}

// NewClient ...
func NewClient(baseURL string, logger log.Logger) *Client {
	onceClient := retryhttp.NewClient(logger)
	onceClient.RetryMax = 0
	onceClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return NewClientWithHTTPClients(baseURL, retryhttp.NewClient(logger), onceClient, logger)
}
// NewClientWithHTTPClients creates a Client; onceClient is used for the requests that must not be retried.
// NewClientWithHTTPClients ...
func NewClientWithHTTPClients(baseURL string, httpClient, onceClient *retryablehttp.Client, logger log.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		onceClient: onceClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// StartSession ...
func (c *Client) StartSession(ctx context.Context, fileName, contentType string) (chunkuploader.RemoteSession, error) {
	var response startResponse
	err := c.do(ctx, c.httpClient, http.MethodPost, "/uploads/start", startRequest{
		FileName:    fileName,
		ContentType: contentType,
	}, &response)
	if err != nil {
		return chunkuploader.RemoteSession{}, err
	}

	if response.UploadID == "" || response.Key == "" {
		return chunkuploader.RemoteSession{}, fmt.Errorf("invalid start response: missing upload id or key")
	}

	return chunkuploader.RemoteSession{UploadID: response.UploadID, Key: response.Key}, nil
}

// PartURL ...
func (c *Client) PartURL(ctx context.Context, s chunkuploader.RemoteSession, partNumber int) (string, error) {
	var response partURLResponse
	err := c.do(ctx, c.onceClient, http.MethodPost, "/uploads/part-url", partURLRequest{
		Key:        s.Key,
		UploadID:   s.UploadID,
		PartNumber: partNumber,
	}, &response)
	if err != nil {
		return "", err
	}

	if response.URL == "" {
		return "", fmt.Errorf("invalid part url response: missing url")
	}

	return response.URL, nil
}

// ListParts returns the parts the storage already has.
// Fails with chunkuploader.ErrSessionNotFound if the upload doesn't exist.
func (c *Client) ListParts(ctx context.Context, s chunkuploader.RemoteSession) ([]chunkuploader.CompletedPart, error) {
	query := url.Values{}
	query.Set("key", s.Key)
	query.Set("uploadId", s.UploadID)

	var response listPartsResponse
	err := c.do(ctx, c.httpClient, http.MethodGet, "/uploads/parts?"+query.Encode(), nil, &response)
	if err != nil {
		return nil, sessionError(err)
	}

	return response.Parts, nil
}

// Complete ...
func (c *Client) Complete(ctx context.Context, s chunkuploader.RemoteSession, parts []chunkuploader.CompletedPart) error {
	var response completeResponse
	err := c.do(ctx, c.onceClient, http.MethodPost, "/uploads/complete", completeRequest{
		Key:      s.Key,
		UploadID: s.UploadID,
		Parts:    parts,
	}, &response)
	if err != nil {
		return sessionError(err)
	}

	if !response.Success {
		return fmt.Errorf("upload was not completed")
	}

	return nil
}

// Abort ...
func (c *Client) Abort(ctx context.Context, s chunkuploader.RemoteSession) error {
	var response abortResponse
	err := c.do(ctx, c.httpClient, http.MethodDelete, "/uploads/abort", abortRequest{
		Key:      s.Key,
		UploadID: s.UploadID,
	}, &response)
	if err != nil {
		return sessionError(err)
	}

	if !response.Aborted {
		return fmt.Errorf("upload was not aborted")
	}

	return nil
}

func (c *Client) do(ctx context.Context, client *retryablehttp.Client, method, path string, requestBody, responseBody interface{}) error {
	var body io.Reader
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if requestBody != nil {
		req.Header.Set("Content-type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	c.logger.Debugf("%s %s: %d", method, path, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	message := string(errorResp)
	var response struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(errorResp, &response) == nil && response.Error != "" {
		message = response.Error
	}

	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

func sessionError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", chunkuploader.ErrSessionNotFound, err)
	}
	return err
}
