// Package snapshot archives orchestration records to S3 before they are
// reset, so a re-analysis never silently discards earlier results.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/argus/internal/analysis"
)

var tracer = otel.Tracer("github.com/linnemanlabs/argus/internal/snapshot")

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config locates the snapshot bucket. Endpoint and UsePathStyle are for
// S3-compatible stores such as MinIO.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// Snapshot describes one archived record.
type Snapshot struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Archiver writes records to <prefix><alertID>/<ulid>.json.
type Archiver struct {
	client objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

var _ analysis.Archiver = (*Archiver)(nil)

// New loads AWS config from the environment and returns an Archiver.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return newArchiver(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newArchiver(client objectAPI, bucket, prefix string) *Archiver {
	if client == nil {
		panic(xerrors.New("s3 client is required"))
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Bucket returns the target bucket.
func (a *Archiver) Bucket() string { return a.bucket }

func (a *Archiver) dir(alertID string) string {
	return a.prefix + alertID + "/"
}

// Archive uploads r and returns its s3:// location.
func (a *Archiver) Archive(ctx context.Context, r *analysis.Record) (string, error) {
	ctx, span := tracer.Start(ctx, "snapshot.archive")
	defer span.End()

	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	id := ulid.MustNew(ulid.Timestamp(a.now()), ulid.DefaultEntropy())
	key := a.dir(r.AlertID) + id.String() + ".json"
	span.SetAttributes(
		attribute.String("argus.alert.id", r.AlertID),
		attribute.String("s3.bucket", a.bucket),
		attribute.String("s3.key", key),
	)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"alert-id": r.AlertID,
			"status":   string(r.OrchestrationStatus),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put object failed")
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

// List returns the snapshots of alertID, oldest first.
func (a *Archiver) List(ctx context.Context, alertID string) ([]Snapshot, error) {
	ctx, span := tracer.Start(ctx, "snapshot.list")
	defer span.End()

	out := []Snapshot{}
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.dir(alertID)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list objects failed")
			return nil, fmt.Errorf("list snapshots for %s: %w", alertID, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			s := Snapshot{Key: key, Size: aws.ToInt64(obj.Size), CreatedAt: aws.ToTime(obj.LastModified)}
			if id, err := ulid.ParseStrict(strings.TrimSuffix(path.Base(key), ".json")); err == nil {
				s.CreatedAt = ulid.Time(id.Time()).UTC()
			}
			out = append(out, s)
		}
	}
	// ulid keys sort by creation time
	slices.SortFunc(out, func(x, y Snapshot) int { return strings.Compare(x.Key, y.Key) })
	span.SetAttributes(attribute.Int("snapshot.count", len(out)))
	return out, nil
}

// Get downloads one snapshot by key.
func (a *Archiver) Get(ctx context.Context, key string) (*analysis.Record, error) {
	res, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer res.Body.Close() //nolint:errcheck // read-only body

	var r analysis.Record
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &r, nil
}
