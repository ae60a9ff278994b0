package aws

import (
	"bytes"
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// BlobArchive keeps a copy of every raw provider response in S3.
type BlobArchive struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewBlobArchive creates a BlobArchive writing to bucket under prefix.
func NewBlobArchive(cfg sdkaws.Config, bucket, prefix string) *BlobArchive {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &BlobArchive{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Archive uploads body to <prefix>/<key>.
func (a *BlobArchive) Archive(ctx context.Context, key string, body []byte) error {
	objectKey := key
	if a.prefix != "" {
		objectKey = a.prefix + "/" + key
	}
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               sdkaws.String(a.bucket),
		Key:                  sdkaws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          sdkaws.String("text/plain; charset=utf-8"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to archive blob %s: %w", objectKey, err)
	}
	return nil
}
