// Package graphstore provides task graph persistence and event streaming.
package graphstore

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/conductor/pkg/types"
)

// Common errors returned by GraphStore implementations.
var (
	ErrGraphNotFound  = errors.New("graph not found")
	ErrRecordNotFound = errors.New("record not found")
)

// GraphStore defines the interface for graph state persistence and event
// streaming. Implementations must be safe for concurrent use. The scheduler
// is the sole writer of execution records and graph status; the API layer
// only reads.
type GraphStore interface {
	// Graph lifecycle
	CreateGraph(ctx context.Context, g *types.TaskGraph) error
	GetGraph(ctx context.Context, graphID string) (*types.TaskGraph, error)
	GetGraphMeta(ctx context.Context, graphID string) (*types.GraphMeta, error)
	ListGraphs(ctx context.Context) ([]string, error)
	UpdateGraphStatus(ctx context.Context, graphID string, status types.GraphStatus, startedAt, finishedAt *time.Time) error

	// Execution record tracking
	UpdateRecord(ctx context.Context, graphID string, rec *types.ExecutionRecord) error
	GetRecord(ctx context.Context, graphID, agentName string) (*types.ExecutionRecord, error)

	// Event streaming. AppendEvent adds an event to the graph's stream;
	// the caller assigns Seq and ID. Persistence is best effort for the
	// scheduler: a failed append never fails an execution.
	AppendEvent(ctx context.Context, graphID string, evt *types.Event) error

	// GetEventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns the stream from the beginning.
	GetEventsSince(ctx context.Context, graphID, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the graph.
	// The cleanup function must be called when done. The channel is
	// closed when the graph reaches a terminal status.
	Subscribe(ctx context.Context, graphID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for GraphStore implementations.
type Config struct {
	// EventMaxLen caps the number of events kept per graph (ring buffer).
	EventMaxLen int64

	// TTL for archived graphs (0 = no expiry).
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}
