// Package s3blob implements blob.Object on top of an S3 multipart upload.
//
// Staged blocks are the parts of a lazily created multipart upload, the part
// number being the chunk id plus one. Committing the block list completes the
// upload, an empty block list aborts it. S3 has no object leases, so the write
// lease is a small JSON marker object stored next to the key.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// maxParts is the part limit of an S3 multipart upload.
	maxParts              = 10_000
	numControlRetries     = 3
	defaultRetryWait      = 5 * time.Second
	defaultURLExpiry      = time.Hour
	leaseMarkerSuffix     = ".lease"
	leaseMarkerMediaType  = "application/json"
	downloadPartSizeBytes = 16 * 1024 * 1024
)

// API is the subset of the S3 client the object needs. *s3.Client satisfies it.
type API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs GetObject requests. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Params ...
type Params struct {
	Region          string
	Bucket          string
	Key             string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Option ...
type Option func(*Object)

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Object) {
		o.now = now
	}
}

// WithRetryWait overrides the wait between retried control-plane calls.
func WithRetryWait(d time.Duration) Option {
	return func(o *Object) {
		o.retryWait = d
	}
}

// WithPresigner sets the signer used by URL. Without one URL returns the s3:// location.
func WithPresigner(p Presigner) Option {
	return func(o *Object) {
		o.presigner = p
	}
}

// WithURLExpiry ...
func WithURLExpiry(d time.Duration) Option {
	return func(o *Object) {
		o.urlExpiry = d
	}
}

// Object is a blob.Object stored as an S3 key.
type Object struct {
	client    API
	presigner Presigner
	bucket    string
	key       string
	logger    log.Logger
	now       func() time.Time
	retryWait time.Duration
	urlExpiry time.Duration

	mu       sync.Mutex
	lease    marker
	uploadID string
	etags    map[int32]string
}

// New creates an object for bucket/key using an existing client.
func New(client API, bucket, key string, logger log.Logger, opts ...Option) (*Object, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	o := &Object{
		client:    client,
		bucket:    bucket,
		key:       key,
		logger:    logger,
		now:       time.Now,
		retryWait: defaultRetryWait,
		urlExpiry: defaultURLExpiry,
		etags:     map[int32]string{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewFromParams loads the AWS config and creates an object with a presigning client.
func NewFromParams(ctx context.Context, params Params, logger log.Logger, opts ...Option) (*Object, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	opts = append([]Option{WithPresigner(s3.NewPresignClient(client))}, opts...)
	return New(client, params.Bucket, params.Key, logger, opts...)
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

// Name ...
func (o *Object) Name() string {
	return o.key
}

// URL returns a presigned GET url of the committed object.
func (o *Object) URL(ctx context.Context) (string, error) {
	if o.presigner == nil {
		return fmt.Sprintf("s3://%s/%s", o.bucket, o.key), nil
	}

	req, err := o.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
	}, s3.WithPresignExpires(o.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("presign object url: %w", err)
	}
	return req.URL, nil
}

// StageBlock uploads data as the part belonging to blockID.
// The lease is checked against the one this object acquired, the remote marker is only read on commit.
func (o *Object) StageBlock(ctx context.Context, blockID string, data []byte, leaseID string) error {
	partNumber, err := partNumberOf(blockID)
	if err != nil {
		return err
	}

	uploadID, err := o.ensureUpload(ctx, leaseID)
	if err != nil {
		return err
	}

	resp, err := o.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(o.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", partNumber, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if resp.ETag != nil {
		o.etags[partNumber] = *resp.ETag
	}
	return nil
}

// CommitBlockList completes the multipart upload with the parts of blockIDs, in the given order.
// An empty list aborts the upload and discards every staged part.
func (o *Object) CommitBlockList(ctx context.Context, blockIDs []string, leaseID string, metadata map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkRemoteLease(ctx, leaseID); err != nil {
		return err
	}

	if len(blockIDs) == 0 {
		return o.abortUpload(ctx)
	}

	if o.uploadID == "" {
		return fmt.Errorf("%w: no blocks were staged", blob.ErrInvalidBlockList)
	}

	parts, err := o.completedParts(ctx, blockIDs)
	if err != nil {
		return err
	}

	err = retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := o.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(o.bucket),
			Key:             aws.String(o.key),
			UploadId:        aws.String(o.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			if isAPIError(err, "InvalidPart", "InvalidPartOrder", "NoSuchUpload") {
				return fmt.Errorf("%w: %s", blob.ErrInvalidBlockList, err), true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return err
	}

	o.logger.Debugf("Completed multipart upload of %s with %d parts", o.key, len(parts))
	o.uploadID = ""
	o.etags = map[int32]string{}
	o.lease.UploadID = ""
	if err := o.writeMarker(ctx, o.lease); err != nil {
		return err
	}

	if len(metadata) > 0 {
		return o.replaceMetadata(ctx, metadata)
	}
	return nil
}

// UncommittedBlocks lists the block ids of the parts staged in the pending multipart upload.
func (o *Object) UncommittedBlocks(ctx context.Context, leaseID string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkLocalLease(leaseID); err != nil {
		return nil, err
	}
	if o.uploadID == "" {
		return nil, nil
	}

	parts, err := o.listParts(ctx)
	if err != nil {
		return nil, err
	}

	numbers := make([]int, 0, len(parts))
	for n := range parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		ids = append(ids, planner.BlockID(n-1))
	}
	return ids, nil
}

// Download writes the committed object to w.
func (o *Object) Download(ctx context.Context, w io.WriterAt) (int64, error) {
	downloader := manager.NewDownloader(o.client, func(d *manager.Downloader) {
		d.PartSize = downloadPartSizeBytes
	})

	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return n, fmt.Errorf("download object: %w", err)
	}
	return n, nil
}

func (o *Object) ensureUpload(ctx context.Context, leaseID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkLocalLease(leaseID); err != nil {
		return "", err
	}
	if o.uploadID != "" {
		return o.uploadID, nil
	}

	var uploadID string
	err := retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := o.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		uploadID = aws.ToString(resp.UploadId)
		return nil, true
	})
	if err != nil {
		return "", err
	}

	o.logger.Debugf("Created multipart upload for %s", o.key)
	o.uploadID = uploadID
	o.lease.UploadID = uploadID
	if err := o.writeMarker(ctx, o.lease); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (o *Object) abortUpload(ctx context.Context) error {
	if o.uploadID == "" {
		return nil
	}

	err := retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := o.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(o.bucket),
			Key:      aws.String(o.key),
			UploadId: aws.String(o.uploadID),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("abort multipart upload: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return err
	}

	o.logger.Debugf("Aborted multipart upload of %s", o.key)
	o.uploadID = ""
	o.etags = map[int32]string{}
	o.lease.UploadID = ""
	return o.writeMarker(ctx, o.lease)
}

func (o *Object) completedParts(ctx context.Context, blockIDs []string) ([]types.CompletedPart, error) {
	numbers := make([]int32, 0, len(blockIDs))
	missing := false
	for _, id := range blockIDs {
		n, err := partNumberOf(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", blob.ErrInvalidBlockList, err)
		}
		if _, ok := o.etags[n]; !ok {
			missing = true
		}
		numbers = append(numbers, n)
	}

	// Parts staged by an earlier process are only known remotely.
	if missing {
		remote, err := o.listParts(ctx)
		if err != nil {
			return nil, err
		}
		for n, etag := range remote {
			o.etags[n] = etag
		}
	}

	parts := make([]types.CompletedPart, 0, len(numbers))
	for _, n := range numbers {
		etag, ok := o.etags[n]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was never staged", blob.ErrInvalidBlockList, n)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(n),
		})
	}
	return parts, nil
}

func (o *Object) listParts(ctx context.Context) (map[int32]string, error) {
	parts := map[int32]string{}
	var partMarker *string
	for {
		resp, err := o.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(o.bucket),
			Key:              aws.String(o.key),
			UploadId:         aws.String(o.uploadID),
			PartNumberMarker: partMarker,
		})
		if err != nil {
			if isNotFound(err) {
				return parts, nil
			}
			return nil, fmt.Errorf("list parts: %w", err)
		}
		for _, part := range resp.Parts {
			parts[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}
		if !aws.ToBool(resp.IsTruncated) {
			return parts, nil
		}
		partMarker = resp.NextPartNumberMarker
	}
}

// replaceMetadata copies the object into itself, which is the only way to change S3 metadata after the upload.
func (o *Object) replaceMetadata(ctx context.Context, metadata map[string]string) error {
	return retry.Times(numControlRetries).Wait(o.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := o.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(o.bucket),
			Key:               aws.String(o.key),
			CopySource:        aws.String(fmt.Sprintf("%s/%s", o.bucket, o.key)),
			Metadata:          metadata,
			MetadataDirective: types.MetadataDirectiveReplace,
		})
		if err != nil {
			return fmt.Errorf("set object metadata: %w", err), false
		}
		return nil, true
	})
}

func partNumberOf(blockID string) (int32, error) {
	id, err := planner.ChunkIDFromBlockID(blockID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", blob.ErrInvalidBlock, err)
	}
	if id+1 > maxParts {
		return 0, fmt.Errorf("%w: chunk %d exceeds the limit of %d parts, use a larger chunk size", blob.ErrInvalidBlock, id, maxParts)
	}
	return int32(id + 1), nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var noSuchUpload *types.NoSuchUpload
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchUpload) || errors.As(err, &notFound) {
		return true
	}
	return isAPIError(err, "NoSuchKey", "NoSuchUpload", "NotFound")
}

func isAPIError(err error, codes ...string) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	for _, code := range codes {
		if apiError.ErrorCode() == code {
			return true
		}
	}
	return false
}
