package brokers

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"
)

// ObjectPutter is the part of *minio.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3ArchiveBroker stores every event as an object keyed by the blake3 digest
// of its envelope, so redelivery overwrites the same object.
type S3ArchiveBroker struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3ArchiveBroker connects a minio client for cfg.
func NewS3ArchiveBroker(cfg config.S3BrokerConfig) (*S3ArchiveBroker, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Error("Broker: failed to initialize MinIO client", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}
	return NewS3ArchiveBrokerWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3ArchiveBrokerWithClient(client ObjectPutter, bucket, prefix string) *S3ArchiveBroker {
	return &S3ArchiveBroker{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3ArchiveBroker) Name() string { return "s3" }

// ObjectKey returns <prefix>/<eventType>/<xx>/<digest>.json.
func (b *S3ArchiveBroker) ObjectKey(eventType string, payload []byte) string {
	sum := blake3.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	return path.Join(b.prefix, eventType, digest[:2], digest+".json")
}

func (b *S3ArchiveBroker) Publish(ctx context.Context, eventType string, payload []byte) error {
	key := b.ObjectKey(eventType, payload)
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json", SendContentMd5: true})
	if err == nil {
		return nil
	}
	err = fmt.Errorf("put %s: %w", key, err)
	if isPermanentS3Error(err) {
		return Permanent(b.Name(), err)
	}
	return Temporary(b.Name(), err)
}

// Missing buckets and access errors will not heal by retrying.
func isPermanentS3Error(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.Code {
	case "NoSuchBucket", "AccessDenied", "InvalidBucketName":
		return true
	}
	return resp.StatusCode == http.StatusForbidden
}
