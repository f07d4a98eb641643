package driftlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// S3SnapshotConfig configures snapshot storage in S3 or an S3-compatible
// service (MinIO, etc.).
type S3SnapshotConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// AccessKeyID/SecretAccessKey are optional; prefer IAM roles or the
	// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY environment variables.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// Snapshot is a consistent export of the synced data set: records and pull
// checkpoints, but never the pending change queue, which is device-local.
type Snapshot struct {
	CreatedAt   time.Time     `json:"created_at"`
	Records     []*Record     `json:"records"`
	Checkpoints []*Checkpoint `json:"checkpoints"`
}

// s3API is the slice of the S3 client the snapshot store uses; tests swap in
// a fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3SnapshotStore exports and restores snapshots of a local store, used for
// device backup and for seeding a fresh device before its first full sync.
type S3SnapshotStore struct {
	client  s3API
	config  S3SnapshotConfig
	retryer *Retryer
}

// NewS3SnapshotStore builds the AWS client from the config plus the ambient
// credential chain.
func NewS3SnapshotStore(ctx context.Context, cfg S3SnapshotConfig) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot store requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    Duration(100 * time.Millisecond),
			MaxBackoff:        Duration(10 * time.Second),
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           func(error) bool { return true },
		}),
	}, nil
}

// Export writes a snapshot of the given entity types under the key and also
// updates the "latest" pointer object.
func (s *S3SnapshotStore) Export(ctx context.Context, store LocalStore, entityTypes []string, key string) error {
	snap := &Snapshot{CreatedAt: time.Now()}
	for _, entityType := range entityTypes {
		records, err := store.ListRecords(ctx, entityType)
		if err != nil {
			return err
		}
		snap.Records = append(snap.Records, records...)

		cp, err := store.Checkpoint(ctx, entityType)
		if err != nil {
			return err
		}
		snap.Checkpoints = append(snap.Checkpoints, cp)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data = snappy.Encode(nil, data)

	if err := s.put(ctx, key, data); err != nil {
		return err
	}
	return s.put(ctx, "latest", data)
}

// Restore reads the snapshot at key and seeds the store: every record lands
// as a synced remote state and the checkpoints are restored, so the next
// sync pulls only what happened after the snapshot was taken.
func (s *S3SnapshotStore) Restore(ctx context.Context, store LocalStore, key string) (*Snapshot, error) {
	data, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err = snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	for _, rec := range snap.Records {
		change := &RemoteChange{
			EntityType: rec.EntityType,
			RecordID:   rec.ID,
			ServerID:   rec.ServerID,
			Revision:   rec.Revision,
			Payload:    rec.Payload,
		}
		if err := store.ApplyRemoteChange(ctx, change); err != nil {
			return nil, err
		}
	}
	for _, cp := range snap.Checkpoints {
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

func (s *S3SnapshotStore) put(ctx context.Context, key string, data []byte) error {
	fullKey := s.config.Prefix + key
	_, err := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	return err
}

func (s *S3SnapshotStore) get(ctx context.Context, key string) ([]byte, error) {
	fullKey := s.config.Prefix + key
	var data []byte
	_, err := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	return data, err
}
