package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type S3FileStorageImpl struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
	partSize   int64 // Part size for streamed multipart uploads (default 5MB)

	logger logging.Logger
}

func NewS3FileStorageImpl(client *s3.Client, bucketName string, l logging.Logger) *S3FileStorageImpl {
	return NewS3FileStorageImplWithPartSize(client, bucketName, manager.DefaultUploadPartSize, l)
}

func NewS3FileStorageImplWithPartSize(client *s3.Client, bucketName string, partSize int64, l logging.Logger) *S3FileStorageImpl {
	return &S3FileStorageImpl{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucketName: bucketName,
		partSize:   partSize,
		logger:     l,
	}
}

func (s *S3FileStorageImpl) IsReady(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

func (s *S3FileStorageImpl) Name() string {
	return "FileStorage[s3]"
}

// Put streams r without knowing its length; the uploader switches to a
// multipart upload once more than one part has been buffered.
func (s *S3FileStorageImpl) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}

	body := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		s.logger.Error("failed to put object", "key", key, "error", err)
		return body.n, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	s.logger.Debug("put object", "key", key, "size", body.n)
	return body.n, nil
}

func (s *S3FileStorageImpl) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		s.logger.Error("failed to get object", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3FileStorageImpl) Size(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}

	var size int64
	err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	}, retries.IsRetriableStorageError)

	if isNotFound(err) {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		s.logger.Error("failed to head object", "key", key, "error", err)
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return size, nil
}

func (s *S3FileStorageImpl) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Size(ctx, key)
	if err == nil {
		s.logger.Debug("file exists", "key", key)
		return true, nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		s.logger.Debug("file does not exist", "key", key)
		return false, nil
	}
	return false, fmt.Errorf("failed to check file existence: %w", err)
}

func (s *S3FileStorageImpl) Delete(ctx context.Context, key string) error {
	return retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		})
		return err
	}, retries.IsRetriableStorageError)
}

func (s *S3FileStorageImpl) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	s.logger.Info("starting deletion of prefix", "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", err)
			return fmt.Errorf("failed to list objects for deletion: %w", err)
		}

		if len(page.Contents) == 0 {
			continue
		}

		var objects []types.ObjectIdentifier
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{
				Key: obj.Key,
			})
		}

		s.logger.Debug("deleting batch of objects", "count", len(objects))

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			s.logger.Error("failed to delete objects", "prefix", prefix, "batch_size", len(objects), "error", err)
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}

		totalDeleted += len(objects)
	}

	s.logger.Info("successfully deleted prefix", "prefix", prefix, "total_deleted", totalDeleted)
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
