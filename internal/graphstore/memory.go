package graphstore

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/conductor/pkg/types"
)

// memoryGraph holds all state for a single graph in memory.
type memoryGraph struct {
	mu          sync.RWMutex
	graph       *types.TaskGraph
	events      []*types.Event
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of GraphStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]*memoryGraph
	config *Config
}

// NewMemoryStore creates a new in-memory GraphStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		graphs: make(map[string]*memoryGraph),
		config: cfg,
	}
}

func (s *MemoryStore) CreateGraph(ctx context.Context, g *types.TaskGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.graphs[g.ID] = &memoryGraph{
		graph:       cloneGraph(g),
		events:      make([]*types.Event, 0),
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (s *MemoryStore) get(graphID string) (*memoryGraph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mg, ok := s.graphs[graphID]
	return mg, ok
}

func (s *MemoryStore) GetGraph(ctx context.Context, graphID string) (*types.TaskGraph, error) {
	mg, ok := s.get(graphID)
	if !ok {
		return nil, ErrGraphNotFound
	}

	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return cloneGraph(mg.graph), nil
}

func (s *MemoryStore) GetGraphMeta(ctx context.Context, graphID string) (*types.GraphMeta, error) {
	mg, ok := s.get(graphID)
	if !ok {
		return nil, ErrGraphNotFound
	}

	mg.mu.RLock()
	defer mg.mu.RUnlock()

	g := mg.graph
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

func (s *MemoryStore) ListGraphs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateGraphStatus(ctx context.Context, graphID string, status types.GraphStatus, startedAt, finishedAt *time.Time) error {
	mg, ok := s.get(graphID)
	if !ok {
		return ErrGraphNotFound
	}

	mg.mu.Lock()
	mg.graph.Status = status
	mg.graph.UpdatedAt = time.Now().UTC()
	if startedAt != nil {
		mg.graph.StartedAt = startedAt
	}
	if finishedAt != nil {
		mg.graph.FinishedAt = finishedAt
	}

	var subs []chan *types.Event
	if status.Terminal() {
		// Terminal status ends the stream for all subscribers.
		for ch := range mg.subscribers {
			subs = append(subs, ch)
		}
		mg.subscribers = make(map[chan *types.Event]struct{})
	}
	mg.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	return nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, graphID string, rec *types.ExecutionRecord) error {
	mg, ok := s.get(graphID)
	if !ok {
		return ErrGraphNotFound
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()

	i, ok := mg.graph.IndexOf(rec.Name)
	if !ok {
		return ErrRecordNotFound
	}
	mg.graph.Records[i] = *rec
	mg.graph.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, graphID, agentName string) (*types.ExecutionRecord, error) {
	mg, ok := s.get(graphID)
	if !ok {
		return nil, ErrGraphNotFound
	}

	mg.mu.RLock()
	defer mg.mu.RUnlock()

	rec := mg.graph.Record(agentName)
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, graphID string, evt *types.Event) error {
	mg, ok := s.get(graphID)
	if !ok {
		return ErrGraphNotFound
	}

	mg.mu.Lock()
	if int64(len(mg.events)) >= mg.maxEvents {
		mg.events = mg.events[1:]
	}
	mg.events = append(mg.events, evt)
	mg.graph.UpdatedAt = time.Now().UTC()

	subs := make([]chan *types.Event, 0, len(mg.subscribers))
	for ch := range mg.subscribers {
		subs = append(subs, ch)
	}
	mg.mu.Unlock()

	// Notify outside the lock; a slow SSE consumer with a full buffer is
	// skipped rather than blocking the scheduler (resume via Last-Event-ID).
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, graphID, lastEventID string) ([]*types.Event, error) {
	mg, ok := s.get(graphID)
	if !ok {
		return nil, ErrGraphNotFound
	}

	mg.mu.RLock()
	defer mg.mu.RUnlock()

	if lastEventID == "" {
		out := make([]*types.Event, len(mg.events))
		copy(out, mg.events)
		return out, nil
	}

	var out []*types.Event
	found := false
	for _, evt := range mg.events {
		if found {
			out = append(out, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, graphID string) (<-chan *types.Event, func(), error) {
	mg, ok := s.get(graphID)
	if !ok {
		return nil, nil, ErrGraphNotFound
	}

	ch := make(chan *types.Event, 100)

	mg.mu.Lock()
	if mg.graph.Status.Terminal() {
		mg.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	mg.subscribers[ch] = struct{}{}
	mg.mu.Unlock()

	cleanup := func() {
		mg.mu.Lock()
		delete(mg.subscribers, ch)
		mg.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	graphCount := len(s.graphs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":     "memory",
		"graph_count": graphCount,
		"max_events":  s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mg := range s.graphs {
		mg.mu.Lock()
		for ch := range mg.subscribers {
			close(ch)
		}
		mg.subscribers = nil
		mg.mu.Unlock()
	}
	return nil
}

// cloneGraph copies a graph so store state never aliases scheduler state.
func cloneGraph(g *types.TaskGraph) *types.TaskGraph {
	out := *g
	out.Specs = append([]types.AgentSpec(nil), g.Specs...)
	out.Records = append([]types.ExecutionRecord(nil), g.Records...)
	out.Dependents = cloneAdjacency(g.Dependents)
	out.Dependencies = cloneAdjacency(g.Dependencies)
	return &out
}

func cloneAdjacency(adj [][]int) [][]int {
	out := make([][]int, len(adj))
	for i, row := range adj {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// Verify interface compliance
var _ GraphStore = (*MemoryStore)(nil)
