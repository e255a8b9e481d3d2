package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioReplicator copies backup files to an S3-compatible bucket so a
// disk failure on the writing machine does not take the backups with it.
type MinioReplicator struct {
	client *minio.Client
	bucket string
}

// NewMinioReplicator connects to the object store and ensures the bucket
// exists.
func NewMinioReplicator(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioReplicator, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioReplicator{client: client, bucket: bucket}, nil
}

func (r *MinioReplicator) Upload(ctx context.Context, objectName, filePath string) error {
	_, err := r.client.FPutObject(ctx, r.bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	return nil
}

func (r *MinioReplicator) Remove(ctx context.Context, objectName string) error {
	if err := r.client.RemoveObject(ctx, r.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", objectName, err)
	}
	return nil
}
