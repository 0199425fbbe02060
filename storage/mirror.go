package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"soundsync/config"
	"soundsync/logger"
	"soundsync/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectAPI is the subset of *minio.Client the mirror uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Mirror copies downloaded sounds to an S3 compatible bucket.
type Mirror struct {
	client objectAPI
	bucket string
	region string
	prefix string
}

// MirrorReport summarises one mirror run.
type MirrorReport struct {
	Uploaded int
	Skipped  int
	Missing  int
	Bytes    int64
}

// BucketStats describes the mirrored objects.
type BucketStats struct {
	TotalObjects int
	TotalSize    int64
	LastModified time.Time
}

// NewMirror connects to the MinIO endpoint from cfg.
func NewMirror(cfg *config.Config) (*Mirror, error) {
	logger.Info("connecting to MinIO",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket),
		logger.Bool("ssl", cfg.MinioUseSSL))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return newMirror(client, cfg.MinioBucket, cfg.MinioRegion, cfg.MinioPrefix), nil
}

func newMirror(client objectAPI, bucket, region, prefix string) *Mirror {
	return &Mirror{client: client, bucket: bucket, region: region, prefix: prefix}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
	}
	logger.Info("bucket created", logger.String("bucket", m.bucket))
	return nil
}

func (m *Mirror) objectName(file string) string {
	return path.Join(m.prefix, file)
}

// Sync uploads every downloaded sound whose file is missing from the bucket
// or differs in size.
func (m *Mirror) Sync(ctx context.Context, media *MediaStore, sounds []model.Sound) (MirrorReport, error) {
	var report MirrorReport
	if err := m.EnsureBucket(ctx); err != nil {
		return report, err
	}

	for _, s := range sounds {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		file := s.LocalFile()
		if !s.Downloaded || file == "" {
			continue
		}
		info, err := media.Stat(file)
		if err != nil {
			report.Missing++
			logger.Warn("downloaded sound has no media file", logger.Int64("id", s.ID), logger.String("file", file))
			continue
		}

		object := m.objectName(file)
		remote, err := m.client.StatObject(ctx, m.bucket, object, minio.StatObjectOptions{})
		switch {
		case err == nil && remote.Size == info.Size():
			report.Skipped++
			continue
		case err != nil && !isNoSuchKey(err):
			return report, fmt.Errorf("failed to stat object %s: %w", object, err)
		}

		if err := m.upload(ctx, media, file, object, info.Size()); err != nil {
			return report, err
		}
		report.Uploaded++
		report.Bytes += info.Size()
	}

	logger.Info("mirror finished",
		logger.Int("uploaded", report.Uploaded),
		logger.Int("skipped", report.Skipped),
		logger.Int("missing", report.Missing),
		logger.Int64("bytes", report.Bytes))
	return report, nil
}

func (m *Mirror) upload(ctx context.Context, media *MediaStore, file, object string, size int64) error {
	f, err := media.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, m.bucket, object, f, size, minio.PutObjectOptions{
		ContentType: ContentType(file),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", object, err)
	}
	logger.Debug("sound mirrored", logger.String("object", object), logger.Int64("size", size))
	return nil
}

// Stats lists the mirrored objects under the prefix.
func (m *Mirror) Stats(ctx context.Context) (BucketStats, error) {
	var stats BucketStats
	for object := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return stats, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
	}
	return stats, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

// ContentType maps an allowed media extension to its MIME type.
func ContentType(file string) string {
	switch strings.ToLower(path.Ext(file)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".3gp":
		return "audio/3gpp"
	case ".aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}

// FormatSize renders a byte count for humans.
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
