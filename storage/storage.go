// Package storage archives the raw RFC 5322 bytes of inbound messages to
// S3-compatible object storage once their draft reaches a terminal state.
// Archival is optional and never blocks the pipeline.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/pkg/metrics"
)

// ErrNoRawContent is returned when a message carries no raw bytes to
// archive, typically because the source only provided parsed fields.
var ErrNoRawContent = errors.New("message has no raw content")

// Archiver writes raw messages to one bucket, keyed by message id.
type Archiver struct {
	client *minio.Client
	bucket string
}

func New(cfg *config.ArchiveConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	logger.Info("archive bucket created", "bucket", a.bucket)
	return nil
}

func objectKey(messageID string) string {
	return "messages/" + messageID + ".eml"
}

// Archive uploads the message's raw bytes. Already-archived messages are
// skipped, making the operation idempotent.
func (a *Archiver) Archive(ctx context.Context, msg *mail.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("%w: message %s", ErrNoRawContent, msg.ID)
	}

	key := objectKey(msg.ID)
	start := time.Now()

	if _, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{}); err == nil {
		metrics.ArchiveOperations.WithLabelValues("put", "skipped").Inc()
		return nil
	}

	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(msg.Raw), int64(len(msg.Raw)),
		minio.PutObjectOptions{ContentType: "message/rfc822", SendContentMd5: true})
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to archive message %s: %w", msg.ID, err)
	}

	metrics.ArchiveOperations.WithLabelValues("put", "ok").Inc()
	logger.Debug("message archived", "message_id", msg.ID, "bytes", len(msg.Raw),
		"elapsed", time.Since(start))
	return nil
}

// Get retrieves an archived message's raw bytes.
func (a *Archiver) Get(ctx context.Context, messageID string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey(messageID), minio.GetObjectOptions{})
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to fetch archived message %s: %w", messageID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to read archived message %s: %w", messageID, err)
	}
	metrics.ArchiveOperations.WithLabelValues("get", "ok").Inc()
	return data, nil
}

// Exists reports whether a message is already archived.
func (a *Archiver) Exists(ctx context.Context, messageID string) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucket, objectKey(messageID), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat archived message %s: %w", messageID, err)
}
