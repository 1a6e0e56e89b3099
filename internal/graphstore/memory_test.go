package graphstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flowmesh/conductor/pkg/types"
)

func testGraph(id string) *types.TaskGraph {
	now := time.Now().UTC()
	g := &types.TaskGraph{
		ID:       id,
		TenantID: "tenant-1",
		Specs: []types.AgentSpec{
			{Name: "a", Type: "search"},
			{Name: "b", Type: "analyze", DependsOn: []string{"a"}},
		},
		Dependents:   [][]int{{1}, {}},
		Dependencies: [][]int{{}, {0}},
		Records: []types.ExecutionRecord{
			{Name: "a", State: types.AgentStateReady},
			{Name: "b", State: types.AgentStatePending},
		},
		Status:    types.GraphStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return g
}

func testEvent(graphID string, seq int64, kind types.EventKind) *types.Event {
	return &types.Event{
		ID:        fmt.Sprintf("%s-%d", graphID, seq),
		Seq:       seq,
		GraphID:   graphID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

func TestMemoryStore_GraphLifecycle(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateGraph(ctx, testGraph("g1")); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}

	t.Run("get returns stored graph", func(t *testing.T) {
		g, err := store.GetGraph(ctx, "g1")
		if err != nil {
			t.Fatalf("GetGraph failed: %v", err)
		}
		if g.ID != "g1" || len(g.Specs) != 2 {
			t.Errorf("unexpected graph: %+v", g)
		}
	})

	t.Run("get unknown graph", func(t *testing.T) {
		if _, err := store.GetGraph(ctx, "missing"); err != ErrGraphNotFound {
			t.Errorf("expected ErrGraphNotFound, got %v", err)
		}
	})

	t.Run("status update", func(t *testing.T) {
		started := time.Now().UTC()
		if err := store.UpdateGraphStatus(ctx, "g1", types.GraphStatusRunning, &started, nil); err != nil {
			t.Fatalf("UpdateGraphStatus failed: %v", err)
		}
		meta, err := store.GetGraphMeta(ctx, "g1")
		if err != nil {
			t.Fatalf("GetGraphMeta failed: %v", err)
		}
		if meta.Status != types.GraphStatusRunning || meta.StartedAt == nil {
			t.Errorf("unexpected meta: %+v", meta)
		}
	})

	t.Run("list includes graph", func(t *testing.T) {
		ids, err := store.ListGraphs(ctx)
		if err != nil {
			t.Fatalf("ListGraphs failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "g1" {
			t.Errorf("unexpected ids: %v", ids)
		}
	})
}

func TestMemoryStore_Records(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateGraph(ctx, testGraph("g1")); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}

	now := time.Now().UTC()
	rec := &types.ExecutionRecord{
		Name:      "a",
		State:     types.AgentStateRunning,
		Attempt:   1,
		StartedAt: &now,
	}
	if err := store.UpdateRecord(ctx, "g1", rec); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}

	got, err := store.GetRecord(ctx, "g1", "a")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.State != types.AgentStateRunning || got.Attempt != 1 {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := store.UpdateRecord(ctx, "g1", &types.ExecutionRecord{Name: "nope"}); err != ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestMemoryStore_EventResume(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateGraph(ctx, testGraph("g1")); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}

	for seq := int64(1); seq <= 5; seq++ {
		if err := store.AppendEvent(ctx, "g1", testEvent("g1", seq, types.EventAgentStarted)); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	t.Run("full replay", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, "g1", "")
		if err != nil {
			t.Fatalf("GetEventsSince failed: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("expected 5 events, got %d", len(events))
		}
	})

	t.Run("resume after last event ID", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, "g1", "g1-3")
		if err != nil {
			t.Fatalf("GetEventsSince failed: %v", err)
		}
		if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
			t.Errorf("unexpected resume slice: %+v", events)
		}
	})

	t.Run("unknown last event ID returns nothing", func(t *testing.T) {
		events, err := store.GetEventsSince(ctx, "g1", "bogus")
		if err != nil {
			t.Fatalf("GetEventsSince failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no events, got %d", len(events))
		}
	})
}

func TestMemoryStore_EventRingBuffer(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 3})
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateGraph(ctx, testGraph("g1")); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}
	for seq := int64(1); seq <= 5; seq++ {
		store.AppendEvent(ctx, "g1", testEvent("g1", seq, types.EventAgentStarted))
	}

	events, err := store.GetEventsSince(ctx, "g1", "")
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after eviction, got %d", len(events))
	}
	if events[0].Seq != 3 {
		t.Errorf("expected oldest surviving seq 3, got %d", events[0].Seq)
	}
}

func TestMemoryStore_Subscribe(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateGraph(ctx, testGraph("g1")); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}

	ch, cleanup, err := store.Subscribe(ctx, "g1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	store.AppendEvent(ctx, "g1", testEvent("g1", 1, types.EventAgentStarted))

	select {
	case evt := <-ch:
		if evt.Seq != 1 {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Terminal status closes the stream.
	done := time.Now().UTC()
	if err := store.UpdateGraphStatus(ctx, "g1", types.GraphStatusSucceeded, nil, &done); err != nil {
		t.Fatalf("UpdateGraphStatus failed: %v", err)
	}

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel after terminal status")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMemoryStore_SubscribeTerminalGraph(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	g := testGraph("g1")
	g.Status = types.GraphStatusSucceeded
	if err := store.CreateGraph(ctx, g); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}

	ch, cleanup, err := store.Subscribe(ctx, "g1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected immediately closed channel for terminal graph")
		}
	case <-time.After(time.Second):
		t.Fatal("channel should be closed already")
	}
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	g := testGraph("g1")
	if err := store.CreateGraph(ctx, g); err != nil {
		t.Fatalf("CreateGraph failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	g.Records[0].State = types.AgentStateFailed

	stored, err := store.GetGraph(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGraph failed: %v", err)
	}
	if stored.Records[0].State != types.AgentStateReady {
		t.Errorf("store state aliased caller state: %s", stored.Records[0].State)
	}
}
