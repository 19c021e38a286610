package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// archiveKeyLayout keeps keys alphabetically ordered by capture time, so
// the latest snapshot is the last key under a fingerprint prefix.
const archiveKeyLayout = "2006-01-02T15-04-05Z"

// S3ArchiveConfig configures the snapshot archive.
type S3ArchiveConfig struct {
	Logger      *slog.Logger
	Bucket      string
	Region      string
	Prefix      string // optional key prefix inside the bucket
	EndpointURL string // optional custom endpoint (for MinIO testing)
	AccessKey   string // optional static credentials
	SecretKey   string
}

func (c *S3ArchiveConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return nil
}

// S3Archive persists snapshot history to S3, one JSON object per capture,
// namespaced by connection fingerprint.
type S3Archive struct {
	log    *slog.Logger
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 archive config: %w", err)
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true // required for MinIO compatibility
		},
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &S3Archive{
		log:    cfg.Logger,
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *S3Archive) key(fingerprint string, capturedAt time.Time) string {
	return fmt.Sprintf("%s%s/%s.json", a.prefix, fingerprint, capturedAt.UTC().Format(archiveKeyLayout))
}

// Put archives one snapshot under the connection fingerprint.
func (a *S3Archive) Put(ctx context.Context, fingerprint string, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	key := a.key(fingerprint, snap.CapturedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	a.log.Debug("schema archive: snapshot stored", "key", key, "bytes", len(payload))
	return nil
}

// Latest returns the most recent archived snapshot for a fingerprint, or
// nil when none exists.
func (a *S3Archive) Latest(ctx context.Context, fingerprint string) (*Snapshot, error) {
	prefix := a.prefix + fingerprint + "/"
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	// Keys embed capture time, so the latest is the alphabetically last.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	latestKey := keys[0]

	getOutput, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(latestKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", latestKey, err)
	}
	defer getOutput.Body.Close()

	data, err := io.ReadAll(getOutput.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", latestKey, err)
	}
	return &snap, nil
}
