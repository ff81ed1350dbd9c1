// Package artifact 保存 RunFragment 的输出产物 (对象存储)
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store runner 上传产物、coordinator 查询产物是否存在
type Store interface {
	Put(ctx context.Context, runFragmentID int64, body io.Reader, size int64) error
	Get(ctx context.Context, runFragmentID int64) (io.ReadCloser, error)
	Exists(ctx context.Context, runFragmentID int64) (bool, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("artifact endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("artifact endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifact bucket is required")
	}
	return nil
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

var _ Store = (*MinioStore)(nil)

// ObjectKey 产物在 bucket 里的 key
func ObjectKey(runFragmentID int64) string {
	return fmt.Sprintf("run-fragments/%d/output.tar", runFragmentID)
}

func (s *MinioStore) Put(ctx context.Context, runFragmentID int64, body io.Reader, size int64) error {
	if s == nil || s.client == nil {
		return errors.New("minio store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: "application/x-tar"}
	_, err := s.client.PutObject(ctx, s.bucket, ObjectKey(runFragmentID), body, size, opts)
	return err
}

func (s *MinioStore) Get(ctx context.Context, runFragmentID int64) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("minio store not initialized")
	}
	return s.client.GetObject(ctx, s.bucket, ObjectKey(runFragmentID), minio.GetObjectOptions{})
}

func (s *MinioStore) Exists(ctx context.Context, runFragmentID int64) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("minio store not initialized")
	}
	_, err := s.client.StatObject(ctx, s.bucket, ObjectKey(runFragmentID), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}
