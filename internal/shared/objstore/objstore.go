// Package objstore 封装 MinIO 对象存储客户端（会话记录归档）
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"agents-dispatch/internal/config"
)

// TranscriptPrefix 会话记录对象前缀
const TranscriptPrefix = "transcripts"

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
	logger *zap.Logger
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "agents-dispatch"
	}
	return &Client{mc: mc, bucket: bucket, logger: logger.Named("objstore")}, nil
}

// Bucket 返回使用的 bucket
func (c *Client) Bucket() string { return c.bucket }

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		c.logger.Info("objstore.bucket.created", zap.String("bucket", c.bucket))
	}
	return nil
}

// Upload 上传对象
func (c *Client) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Download 下载对象，调用方负责关闭返回的 ReadCloser
func (c *Client) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// GetObject 不会立即返回错误
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// Archive 以 JSON Lines 保存任务会话记录，返回 s3:// 地址
func (c *Client) Archive(ctx context.Context, taskID string, body []byte) (string, error) {
	key := TranscriptKey(taskID)
	if err := c.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/x-ndjson"); err != nil {
		return "", err
	}
	c.logger.Debug("objstore.transcript.archived", zap.String("task_id", taskID), zap.Int("bytes", len(body)))
	return ObjectURL(c.bucket, key), nil
}

// OpenTranscript 读取已归档的会话记录
func (c *Client) OpenTranscript(ctx context.Context, taskID string) (io.ReadCloser, error) {
	return c.Download(ctx, TranscriptKey(taskID))
}

// TranscriptKey transcripts/<task>.jsonl
func TranscriptKey(taskID string) string {
	return path.Join(TranscriptPrefix, taskID+".jsonl")
}

// ObjectURL s3://bucket/key
func ObjectURL(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
