package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"tenant-backup/internal/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3ObjectStore implements ObjectStore for S3-compatible storage
type S3ObjectStore struct {
	cfg config.S3Config
}

// NewS3ObjectStore validates config; the client itself is created per call.
func NewS3ObjectStore(cfg config.S3Config) (*S3ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, NewConfigurationError("S3 bucket is required", nil)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &S3ObjectStore{cfg: cfg}, nil
}

func (s *S3ObjectStore) Name() string {
	return fmt.Sprintf("s3://%s", s.cfg.Bucket)
}

func (s *S3ObjectStore) client() (*s3.S3, error) {
	awsConfig := &aws.Config{
		Region: aws.String(s.cfg.Region),
	}
	if s.cfg.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(s.cfg.AccessKey, s.cfg.SecretKey, "")
	}
	if s.cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.cfg.Endpoint)
	}
	if s.cfg.ForcePathStyle {
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}
	return s3.New(sess), nil
}

// Put uploads body under key
func (s *S3ObjectStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	_, err = client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return NewNetworkError(fmt.Sprintf("failed to upload %s to S3", key), err)
	}
	return nil
}

// Get downloads key
func (s *S3ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	result, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found", key), err)
		}
		return nil, NewNetworkError(fmt.Sprintf("failed to download %s from S3", key), err)
	}
	return result.Body, nil
}

// List walks every page under prefix
func (s *S3ObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, NewNetworkError("failed to list objects from S3", err)
	}
	return objects, nil
}

// Delete removes key. S3 deletes are idempotent, so existence is checked first.
func (s *S3ObjectStore) Delete(ctx context.Context, key string) error {
	client, err := s.client()
	if err != nil {
		return err
	}
	_, err = client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return NewNotFoundError(fmt.Sprintf("object %s not found", key), err)
		}
		return NewNetworkError(fmt.Sprintf("failed to stat %s in S3", key), err)
	}

	_, err = client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return NewNetworkError(fmt.Sprintf("failed to delete %s from S3", key), err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
