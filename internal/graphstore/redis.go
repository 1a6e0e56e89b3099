package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/conductor/pkg/types"
)

// endOfStream is published on a graph's live channel when it reaches a
// terminal status, so subscribers can close their streams.
const endOfStream = "__eos__"

// RedisStore implements GraphStore backed by Redis. Graph state lives in
// string keys as JSON, the event log in a Redis Stream, and live fan-out
// uses pub/sub. Suitable for multi-process deployments where the API and
// scheduler share state.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string

	// Password for Redis authentication.
	Password string

	// DB is the database number.
	DB int

	// Prefix for all keys (default: "conductor").
	Prefix string

	// TTL for graph data (default: 7 days).
	TTL time.Duration

	// EventMaxLen caps the event stream length per graph.
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "conductor",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed GraphStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "conductor"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
	}, nil
}

func (s *RedisStore) graphKey(graphID string) string {
	return s.prefix + ":graph:" + graphID
}

func (s *RedisStore) eventsKey(graphID string) string {
	return s.prefix + ":events:" + graphID
}

func (s *RedisStore) liveChannel(graphID string) string {
	return s.prefix + ":live:" + graphID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":graphs"
}

func (s *RedisStore) CreateGraph(ctx context.Context, g *types.TaskGraph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.graphKey(g.ID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), g.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create graph: %w", err)
	}
	return nil
}

func (s *RedisStore) loadGraph(ctx context.Context, graphID string) (*types.TaskGraph, error) {
	data, err := s.client.Get(ctx, s.graphKey(graphID)).Bytes()
	if err == redis.Nil {
		return nil, ErrGraphNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph: %w", err)
	}

	var g types.TaskGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g, nil
}

func (s *RedisStore) saveGraph(ctx context.Context, g *types.TaskGraph) error {
	g.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if err := s.client.Set(ctx, s.graphKey(g.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

func (s *RedisStore) GetGraph(ctx context.Context, graphID string) (*types.TaskGraph, error) {
	return s.loadGraph(ctx, graphID)
}

func (s *RedisStore) GetGraphMeta(ctx context.Context, graphID string) (*types.GraphMeta, error) {
	g, err := s.loadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return &types.GraphMeta{
		ID:          g.ID,
		TenantID:    g.TenantID,
		Description: g.Description,
		Status:      g.Status,
		StartedAt:   g.StartedAt,
		FinishedAt:  g.FinishedAt,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}, nil
}

func (s *RedisStore) ListGraphs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) UpdateGraphStatus(ctx context.Context, graphID string, status types.GraphStatus, startedAt, finishedAt *time.Time) error {
	g, err := s.loadGraph(ctx, graphID)
	if err != nil {
		return err
	}

	g.Status = status
	if startedAt != nil {
		g.StartedAt = startedAt
	}
	if finishedAt != nil {
		g.FinishedAt = finishedAt
	}
	if err := s.saveGraph(ctx, g); err != nil {
		return err
	}

	if status.Terminal() {
		// Best effort: subscribers fall back to polled status on miss.
		s.client.Publish(ctx, s.liveChannel(graphID), endOfStream)
	}
	return nil
}

func (s *RedisStore) UpdateRecord(ctx context.Context, graphID string, rec *types.ExecutionRecord) error {
	g, err := s.loadGraph(ctx, graphID)
	if err != nil {
		return err
	}

	i, ok := g.IndexOf(rec.Name)
	if !ok {
		return ErrRecordNotFound
	}
	g.Records[i] = *rec
	return s.saveGraph(ctx, g)
}

func (s *RedisStore) GetRecord(ctx context.Context, graphID, agentName string) (*types.ExecutionRecord, error) {
	g, err := s.loadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	rec := g.Record(agentName)
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, graphID string, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.eventsKey(graphID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(data)},
	})
	pipe.Expire(ctx, s.eventsKey(graphID), s.ttl)
	pipe.Publish(ctx, s.liveChannel(graphID), string(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisStore) GetEventsSince(ctx context.Context, graphID, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.eventsKey(graphID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	var out []*types.Event
	found := lastEventID == ""
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if found {
			out = append(out, &evt)
		}
		if !found && evt.ID == lastEventID {
			found = true
		}
	}
	return out, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, graphID string) (<-chan *types.Event, func(), error) {
	if _, err := s.client.Exists(ctx, s.graphKey(graphID)).Result(); err != nil {
		return nil, nil, fmt.Errorf("check graph: %w", err)
	}

	pubsub := s.client.Subscribe(ctx, s.liveChannel(graphID))
	ch := make(chan *types.Event, 100)

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			if msg.Payload == endOfStream {
				return
			}
			var evt types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- &evt:
			default:
				// Slow subscriber; resume via Last-Event-ID.
			}
		}
	}()

	cleanup := func() {
		pubsub.Close()
	}
	return ch, cleanup, nil
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	count, _ := s.client.SCard(ctx, s.indexKey()).Result()
	return map[string]interface{}{
		"adapter":     "redis",
		"prefix":      s.prefix,
		"graph_count": count,
		"max_events":  s.maxLen,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify interface compliance
var _ GraphStore = (*RedisStore)(nil)
