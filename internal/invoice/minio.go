package invoice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const minioTimeout = 30 * time.Second

// MinioConfig locates the bucket holding session snapshots
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioStorage implements the Storage interface on an S3-compatible bucket
type MinioStorage struct {
	client *minio.Client
	bucket string
}

// NewMinioStorage connects to the bucket, creating it when missing
func NewMinioStorage(ctx context.Context, cfg MinioConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		slog.Info("Created bucket", "bucket", cfg.Bucket)
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket}, nil
}

// Save uploads an object
func (m *MinioStorage) Save(filename string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), minioTimeout)
	defer cancel()

	_, err := m.client.PutObject(ctx, m.bucket, filename, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("storing object: %w", err)
	}
	return filename, nil
}

// Get downloads an object; a missing key matches fs.ErrNotExist
func (m *MinioStorage) Get(filename string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), minioTimeout)
	defer cancel()

	obj, err := m.client.GetObject(ctx, m.bucket, filename, minio.GetObjectOptions{})
	if err != nil {
		return nil, objectError(filename, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, objectError(filename, err)
	}
	return data, nil
}

// Delete removes an object
func (m *MinioStorage) Delete(filename string) error {
	ctx, cancel := context.WithTimeout(context.Background(), minioTimeout)
	defer cancel()

	if err := m.client.RemoveObject(ctx, m.bucket, filename, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

func objectError(filename string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("getting object %s: %w", filename, fs.ErrNotExist)
	}
	return fmt.Errorf("getting object %s: %w", filename, err)
}
