package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flowmesh/conductor/internal/bus"
	"github.com/flowmesh/conductor/internal/graphstore"
	"github.com/flowmesh/conductor/pkg/types"
)

// ArchiveConfig holds S3/MinIO archive configuration.
type ArchiveConfig struct {
	// Endpoint for MinIO (e.g., "minio.internal:9000").
	// Leave empty for AWS S3.
	Endpoint string

	// Bucket name. Empty disables archiving.
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for custom endpoints
	UseSSL bool

	// Prefix is prepended to all archive keys
	Prefix string
}

// archiveDocument is the JSON document written per terminal graph.
type archiveDocument struct {
	Graph      *types.TaskGraph `json:"graph"`
	Events     []*types.Event   `json:"events"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Archiver writes terminal task graphs and their event streams to object
// storage for offline analysis. It consumes the same bus as the miner and
// never blocks the scheduler.
type Archiver struct {
	client *s3.Client
	store  graphstore.GraphStore
	bucket string
	prefix string
	logger *slog.Logger

	cancelSub func()
	done      chan struct{}
}

// NewArchiver creates an S3-backed graph archiver.
func NewArchiver(cfg *ArchiveConfig, store graphstore.GraphStore, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		store:  store,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "archiver"),
	}, nil
}

// Start subscribes to terminal graph events and archives each finished graph.
func (a *Archiver) Start(eventBus *bus.Bus) {
	events, cancel := eventBus.Subscribe(func(evt *types.Event) bool {
		return evt.Kind == types.EventGraphCompleted || evt.Kind == types.EventGraphFailed
	})
	a.cancelSub = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		for evt := range events {
			if err := a.archive(context.Background(), evt.GraphID); err != nil {
				a.logger.Error("failed to archive graph", "graph_id", evt.GraphID, "error", err)
			}
		}
	}()
}

// Stop unsubscribes and waits for in-flight archival to finish.
func (a *Archiver) Stop() {
	if a.cancelSub != nil {
		a.cancelSub()
	}
	if a.done != nil {
		<-a.done
	}
}

// archive uploads one graph with its full event stream.
func (a *Archiver) archive(ctx context.Context, graphID string) error {
	g, err := a.store.GetGraph(ctx, graphID)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	events, err := a.store.GetEventsSince(ctx, graphID, "")
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	doc := archiveDocument{
		Graph:      g,
		Events:     events,
		ArchivedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	key := a.key(graphID, doc.ArchivedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	a.logger.Info("graph archived", "graph_id", graphID, "key", key, "bytes", len(data))
	return nil
}

// key builds a date-partitioned object key so offline jobs can scan by day.
func (a *Archiver) key(graphID string, at time.Time) string {
	key := fmt.Sprintf("%s/%s.json", at.Format("2006/01/02"), graphID)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}
