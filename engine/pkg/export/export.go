// Package export writes performance tree snapshots to S3-compatible object storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/referrals/engine/pkg/reporting"
)

// ErrNoTree means the root user has no active code to build a tree from.
var ErrNoTree = errors.New("user has no active referral code")

type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type TreeBuilder interface {
	BuildPerformanceTree(ctx context.Context, rootUserID uuid.UUID, window reporting.Window) (*reporting.TreeNode, error)
}

type Config struct {
	Logger *slog.Logger
	S3     ObjectPutter
	Bucket string
	Prefix string
	Trees  TreeBuilder
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.S3 == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Trees == nil {
		return errors.New("tree builder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Snapshot is the exported document.
type Snapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	RootUserID  uuid.UUID           `json:"root_user_id"`
	Window      reporting.Window    `json:"window"`
	Tree        *reporting.TreeNode `json:"tree"`
}

type Exporter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exporter{log: cfg.Logger, cfg: cfg}, nil
}

// Key returns the object key for a snapshot taken at t.
func (e *Exporter) Key(rootUserID uuid.UUID, t time.Time) string {
	return path.Join(e.cfg.Prefix, "performance-trees", rootUserID.String(), t.UTC().Format("20060102T150405Z")+".json")
}

// ExportTree builds the user's performance tree and uploads it. It returns the object key.
func (e *Exporter) ExportTree(ctx context.Context, rootUserID uuid.UUID, window reporting.Window) (string, error) {
	tree, err := e.cfg.Trees.BuildPerformanceTree(ctx, rootUserID, window)
	if err != nil {
		return "", fmt.Errorf("failed to build performance tree: %w", err)
	}
	if tree == nil {
		return "", fmt.Errorf("user %s: %w", rootUserID, ErrNoTree)
	}

	now := e.cfg.Clock.Now().UTC()
	body, err := json.MarshalIndent(Snapshot{
		GeneratedAt: now,
		RootUserID:  rootUserID,
		Window:      window,
		Tree:        tree,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := e.Key(rootUserID, now)
	_, err = e.cfg.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	e.log.Info("export: uploaded performance tree", "bucket", e.cfg.Bucket, "key", key, "bytes", len(body))
	return key, nil
}

// NewS3Client loads the default AWS configuration. A non-empty endpoint selects an
// S3-compatible store with path-style addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
