package uploadserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"
)

const (
	numS3Retries   = 3
	s3RetryWait    = time.Second
	discoverRegion = "us-east-1"
)

// S3Params ...
type S3Params struct {
	Bucket string
	// Region of the bucket, looked up when empty.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible storages.
	Endpoint     string
	UsePathStyle bool
}

// S3Backend stores the uploads as S3 multipart uploads.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    log.Logger
}

// NewS3Backend ...
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	region := params.Region
	if region == "" {
		cfg, err := loadAWSCredentials(ctx, discoverRegion, params.AccessKeyID, params.SecretAccessKey, logger)
		if err != nil {
			return nil, fmt.Errorf("load aws credentials: %w", err)
		}
		region, err = manager.GetBucketRegion(ctx, newS3Client(*cfg, params), params.Bucket)
		if err != nil {
			return nil, fmt.Errorf("get bucket region: %w", err)
		}
		logger.Debugf("Bucket %s is in region %s", params.Bucket, region)
	}

	cfg, err := loadAWSCredentials(ctx, region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := newS3Client(*cfg, params)
	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    params.Bucket,
		logger:    logger,
	}, nil
}

// CreateUpload ...
func (b *S3Backend) CreateUpload(ctx context.Context, key, contentType string) (string, error) {
	var uploadID string
	err := retry.Times(numS3Retries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", mapS3Error(err)), ctx.Err() != nil
		}

		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})

	return uploadID, err
}

// PresignPart ...
func (b *S3Backend) PresignPart(ctx context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	req, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign upload part: %w", err)
	}

	return req.URL, nil
}

// ListParts ...
func (b *S3Backend) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	paginator := s3.NewListPartsPaginator(b.client, &s3.ListPartsInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})

	var parts []Part
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", mapS3Error(err))
		}

		parts = append(parts, lo.Map(page.Parts, func(p types.Part, _ int) Part {
			return Part{PartNumber: int(aws.ToInt32(p.PartNumber)), ETag: aws.ToString(p.ETag)}
		})...)
	}

	return parts, nil
}

// CompleteUpload ...
func (b *S3Backend) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	completedParts := lo.Map(parts, func(p Part, _ int) types.CompletedPart {
		return types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	})

	return retry.Times(numS3Retries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completedParts,
			},
		})
		if err != nil {
			err = mapS3Error(err)
			return fmt.Errorf("complete multipart upload: %w", err), isPermanent(ctx, err)
		}
		return nil, true
	})
}

// AbortUpload ...
func (b *S3Backend) AbortUpload(ctx context.Context, key, uploadID string) error {
	return retry.Times(numS3Retries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			err = mapS3Error(err)
			return fmt.Errorf("abort multipart upload: %w", err), isPermanent(ctx, err)
		}
		return nil, true
	})
}

func newS3Client(cfg aws.Config, params S3Params) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// mapS3Error translates the S3 error codes the API reports to the sentinel errors.
func mapS3Error(err error) error {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return err
	}

	switch apiError.ErrorCode() {
	case "NoSuchUpload":
		return fmt.Errorf("%w: %w", ErrNoSuchUpload, err)
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return fmt.Errorf("%w: %w", ErrInvalidPart, err)
	default:
		return err
	}
}

func isPermanent(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrNoSuchUpload) || errors.Is(err, ErrInvalidPart)
}
