package internal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stream-bridge/configs"
)

const snapshotUploadTimeout = 10 * time.Second

// SnapshotService archives periodic JPEG stills of the live stream to an
// object store. The pipeline offers every encoded frame; the service keeps
// one per interval and uploads it without blocking the tick.
type SnapshotService struct {
	client   *minio.Client
	bucket   string
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
}

func NewSnapshotService(ctx context.Context, envs *configs.MinioEnvs, interval time.Duration, logger *slog.Logger) (*SnapshotService, error) {
	client, err := minio.New(envs.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(envs.AccessKey, envs.SecretKey, ""),
		Secure: envs.SSL,
	})
	if err != nil {
		return nil, err
	}

	service := &SnapshotService{
		client:   client,
		bucket:   envs.Bucket,
		interval: interval,
		logger:   logger,
	}
	if err := service.CreateBucket(ctx); err != nil {
		return nil, err
	}
	return service, nil
}

func (s *SnapshotService) CreateBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// Offer hands the service one encoded frame. At most one frame per interval
// is kept; the upload runs in its own goroutine with a bounded context.
func (s *SnapshotService) Offer(streamID string, payload []byte) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return
	}
	s.last = now
	s.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)

	go s.upload(streamID, now, buf)
}

func (s *SnapshotService) upload(streamID string, taken time.Time, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotUploadTimeout)
	defer cancel()

	name := fmt.Sprintf("%s/%s.jpg", streamID, taken.UTC().Format("20060102T150405"))
	info, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		s.logger.Warn("snapshot upload failed", "object", name, "err", err)
		return
	}
	s.logger.Debug("snapshot archived", "object", info.Key, "size", info.Size)
}
