package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sentinel-core/internal/config"
)

// s3API is the slice of the S3 client the archiver calls.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads purged audit partitions to S3 as gzip JSON lines,
// one object per chunk.
type Archiver struct {
	cfg    config.S3ArchiveConfig
	client s3API
	logger *slog.Logger
}

// NewArchiver builds the archiver with the default credential chain.
func NewArchiver(ctx context.Context, cfg config.S3ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("aws configuration: %w", err)
	}
	return &Archiver{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg),
		logger: logger.With("component", "audit_archive"),
	}, nil
}

// Archive uploads one chunk of a partition.
func (a *Archiver) Archive(ctx context.Context, partition string, chunk int, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}

	key := path.Join(a.cfg.Prefix, "audit", partition, fmt.Sprintf("%04d.jsonl.gz", chunk))
	start := time.Now()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Info("archived audit chunk",
		"key", key, "records", len(recs),
		"bytes", buf.Len(), "elapsed", time.Since(start))
	return nil
}
