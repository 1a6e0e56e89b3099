// Package types provides shared types for the conductor service.
package types

import (
	"time"
)

// GraphStatus represents the overall state of a task graph.
type GraphStatus string

const (
	GraphStatusPending   GraphStatus = "pending"
	GraphStatusRunning   GraphStatus = "running"
	GraphStatusSucceeded GraphStatus = "succeeded"
	GraphStatusFailed    GraphStatus = "failed"
	GraphStatusCancelled GraphStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s GraphStatus) Terminal() bool {
	switch s {
	case GraphStatusSucceeded, GraphStatusFailed, GraphStatusCancelled:
		return true
	}
	return false
}

// AgentState represents the execution state of a single agent within a graph.
type AgentState string

const (
	AgentStatePending   AgentState = "pending"
	AgentStateReady     AgentState = "ready"
	AgentStateRunning   AgentState = "running"
	AgentStateSucceeded AgentState = "succeeded"
	AgentStateFailed    AgentState = "failed"
	AgentStateSkipped   AgentState = "skipped"
)

// ErrorKind classifies why an agent execution failed.
type ErrorKind string

const (
	ErrorKindCapability ErrorKind = "capability_failure"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindCancelled  ErrorKind = "cancelled"
)

// ExecError is the terminal error attached to a failed execution record.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// AgentSpec declares a single agent invocation within a task graph.
// Immutable once the graph has been validated.
type AgentSpec struct {
	// Name is unique within the graph.
	Name string `json:"name"`

	// Type is the capability tag resolved via the capability registry.
	Type string `json:"type"`

	// Config is passed through to the capability verbatim.
	Config map[string]interface{} `json:"config,omitempty"`

	// DependsOn names other specs in the same graph.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout overrides the default per-agent wall-clock deadline (0 = default).
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries overrides the default retry budget (nil = default, 0 = none).
	MaxRetries *int `json:"max_retries,omitempty"`
}

// ExecutionRecord tracks the runtime state of one agent spec per graph run.
// Created when the graph is accepted; mutated only by the scheduler.
type ExecutionRecord struct {
	Name      string     `json:"name"`
	State     AgentState `json:"state"`
	Attempt   int        `json:"attempt"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Error is present iff State == AgentStateFailed.
	Error *ExecError `json:"error,omitempty"`
}

// TaskGraph is a validated DAG of agent specs. The adjacency structure is
// index-based: names are resolved to integer positions in Specs at
// validation time, so the graph is a single array-backed arena with no
// pointer cycles.
type TaskGraph struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Description string `json:"description,omitempty"`

	Specs []AgentSpec `json:"specs"`

	// Dependents[i] lists the indices of specs that depend on spec i.
	Dependents [][]int `json:"dependents"`

	// Dependencies[i] lists the indices spec i depends on.
	Dependencies [][]int `json:"dependencies"`

	// Records is parallel to Specs.
	Records []ExecutionRecord `json:"records"`

	Status     GraphStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`

	index map[string]int
}

// IndexOf resolves an agent name to its spec index.
func (g *TaskGraph) IndexOf(name string) (int, bool) {
	if g.index == nil {
		g.rebuildIndex()
	}
	i, ok := g.index[name]
	return i, ok
}

// Record returns the execution record for the named agent, or nil.
func (g *TaskGraph) Record(name string) *ExecutionRecord {
	i, ok := g.IndexOf(name)
	if !ok {
		return nil
	}
	return &g.Records[i]
}

// rebuildIndex restores the name index, e.g. after JSON round-tripping.
func (g *TaskGraph) rebuildIndex() {
	g.index = make(map[string]int, len(g.Specs))
	for i := range g.Specs {
		g.index[g.Specs[i].Name] = i
	}
}

// SetIndex installs the name index computed at validation time.
func (g *TaskGraph) SetIndex(index map[string]int) {
	g.index = index
}

// GraphMeta is a lightweight representation of a graph for listing.
type GraphMeta struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id,omitempty"`
	Description string      `json:"description,omitempty"`
	Status      GraphStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskSubmission is the transport-level payload for submitting a task graph.
type TaskSubmission struct {
	TenantID    string      `json:"tenantId"`
	SessionID   string      `json:"sessionId,omitempty"`
	Description string      `json:"description,omitempty"`
	Agents      []AgentSpec `json:"agents"`
}

// AgentStatus is the per-agent slice of a graph status query.
type AgentStatus struct {
	Name    string     `json:"name"`
	State   AgentState `json:"state"`
	Attempt int        `json:"attempt"`
	Error   *ExecError `json:"error,omitempty"`
}

// GraphStatusResponse answers a graph status query.
type GraphStatusResponse struct {
	ID     string        `json:"id"`
	Status GraphStatus   `json:"status"`
	Agents []AgentStatus `json:"agents"`
}
