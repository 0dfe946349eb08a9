package uploadserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3Params{Region: "us-east-1"}, log.NewLogger())
	assert.EqualError(t, err, "Bucket must not be empty")
}

func TestS3Backend_PresignPart(t *testing.T) {
	backend, err := NewS3Backend(context.Background(), S3Params{
		Bucket:          "uploads",
		Region:          "eu-west-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
	}, log.NewLogger())
	require.NoError(t, err)

	raw, err := backend.PresignPart(context.Background(), "videos/1-a.mp4", "upload-id", 2, time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/uploads/videos/1-a.mp4", u.Path)

	query := u.Query()
	assert.Equal(t, "2", query.Get("partNumber"))
	assert.Equal(t, "upload-id", query.Get("uploadId"))
	assert.Equal(t, "3600", query.Get("X-Amz-Expires"))
	assert.Contains(t, query.Get("X-Amz-Credential"), "AKIDEXAMPLE")
	assert.NotEmpty(t, query.Get("X-Amz-Signature"))
}

func Test_mapS3Error(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "No such upload",
			err:     &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."},
			wantErr: ErrNoSuchUpload,
		},
		{
			name:    "Invalid part",
			err:     &smithy.GenericAPIError{Code: "InvalidPart"},
			wantErr: ErrInvalidPart,
		},
		{
			name:    "Invalid part order",
			err:     fmt.Errorf("operation error: %w", &smithy.GenericAPIError{Code: "InvalidPartOrder"}),
			wantErr: ErrInvalidPart,
		},
		{
			name:    "Entity too small",
			err:     &smithy.GenericAPIError{Code: "EntityTooSmall"},
			wantErr: ErrInvalidPart,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapS3Error(tt.err)

			assert.ErrorIs(t, got, tt.wantErr)
			assert.ErrorIs(t, got, tt.err)
			assert.True(t, isPermanent(context.Background(), got))
		})
	}
}

func Test_mapS3Error_Unmapped(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "SlowDown"}
	plain := errors.New("connection reset")

	assert.Equal(t, apiErr, mapS3Error(apiErr))
	assert.Equal(t, plain, mapS3Error(plain))
	assert.False(t, isPermanent(context.Background(), mapS3Error(apiErr)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, isPermanent(ctx, plain))
}
