// Package media stores listing logos in S3-compatible object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// allowed logo content types, keyed to the stored file extension
var logoExtensions = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/svg+xml": ".svg",
	"image/webp":    ".webp",
}

// Service wraps a MinIO client for logo storage.
type Service struct {
	client *minio.Client
	bucket string
}

// NewService connects to object storage and ensures the logo bucket exists.
// Returns an error if the endpoint is unreachable; callers run without logo
// uploads in that case.
func NewService(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: connect %s: %w", endpoint, err)
	}

	s := &Service{client: client, bucket: bucket}
	if err := s.ensureBucket(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("media: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("media: create bucket %s: %w", s.bucket, err)
	}
	log.Printf("media: created bucket %s", s.bucket)
	return nil
}

// UploadLogo stores a logo for a listing and returns the object key.
// Re-uploads overwrite the previous logo for the same listing.
func (s *Service) UploadLogo(ctx context.Context, listingID, contentType string, r io.Reader, size int64) (string, error) {
	ext, ok := logoExtensions[strings.ToLower(contentType)]
	if !ok {
		return "", fmt.Errorf("media: unsupported content type %q", contentType)
	}

	key := path.Join("logos", listingID+ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("media: put %s: %w", key, err)
	}
	return key, nil
}

// DeleteLogo removes a stored logo. Missing objects are not an error.
func (s *Service) DeleteLogo(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("media: remove %s: %w", key, err)
	}
	return nil
}
