package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options conveys the upload destination and how objects are addressed publicly.
type S3Options struct {
	Bucket    string
	KeyPrefix string
	Region    string
	// Endpoint is set for S3 compatible services; objects are then addressed path-style.
	Endpoint string
	// PublicBaseURL overrides the computed object URL, e.g. a CDN in front of the bucket.
	PublicBaseURL string
}

// S3Service stores sauce images in Amazon S3 (or compatible APIs).
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
	opts     S3Options
}

func NewS3Service(client *s3.Client, opts S3Options) (*S3Service, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	opts.KeyPrefix = strings.Trim(opts.KeyPrefix, "/")
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
		opts:     opts,
	}, nil
}

func (s *S3Service) Put(ctx context.Context, obj Object) error {
	if err := validateKey(obj.Key); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.objectKey(obj.Key)),
		Body:   obj.Body,
		ACL:    types.ObjectCannedACLPublicRead,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", obj.Key, err)
	}
	return nil
}

func (s *S3Service) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3Service) URL(key string) string {
	objectKey := s.objectKey(key)
	switch {
	case s.opts.PublicBaseURL != "":
		return strings.TrimSuffix(s.opts.PublicBaseURL, "/") + "/" + escapeKey(objectKey)
	case s.opts.Endpoint != "":
		return strings.TrimSuffix(s.opts.Endpoint, "/") + "/" + s.opts.Bucket + "/" + escapeKey(objectKey)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.opts.Bucket, s.opts.Region, escapeKey(objectKey))
	}
}

func (s *S3Service) objectKey(key string) string {
	if s.opts.KeyPrefix == "" {
		return key
	}
	return s.opts.KeyPrefix + "/" + key
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

var _ Service = (*S3Service)(nil)
