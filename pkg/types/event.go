package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates lifecycle events emitted by the scheduler.
type EventKind string

const (
	EventGraphValidated EventKind = "graph_validated"
	EventAgentStarted   EventKind = "agent_started"
	EventAgentSucceeded EventKind = "agent_succeeded"
	EventAgentFailed    EventKind = "agent_failed"
	EventAgentSkipped   EventKind = "agent_skipped"
	EventGraphCompleted EventKind = "graph_completed"
	EventGraphFailed    EventKind = "graph_failed"
)

// Event is a single entry in a graph's append-only event stream.
// Events for one graph are ordered by Seq.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	GraphID   string          `json:"graph_id"`
	Kind      EventKind       `json:"kind"`
	AgentName string          `json:"agent_name,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// GraphValidatedEvent is the payload for graph_validated events.
type GraphValidatedEvent struct {
	AgentCount int `json:"agent_count"`
}

// AgentStartedEvent is the payload for agent_started events.
type AgentStartedEvent struct {
	AgentType string `json:"agent_type"`
	Attempt   int    `json:"attempt"`
}

// AgentSucceededEvent is the payload for agent_succeeded events.
type AgentSucceededEvent struct {
	AgentType  string  `json:"agent_type"`
	Attempt    int     `json:"attempt"`
	DurationMS float64 `json:"duration_ms"`
}

// AgentFailedEvent is the payload for agent_failed events.
type AgentFailedEvent struct {
	AgentType string    `json:"agent_type"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt"`
}

// AgentSkippedEvent is the payload for agent_skipped events.
type AgentSkippedEvent struct {
	AgentType string `json:"agent_type"`

	// Cause names the failed ancestor whose failure propagated here.
	Cause string `json:"cause,omitempty"`
}

// GraphCompletedEvent is the payload for graph_completed events.
type GraphCompletedEvent struct {
	DurationMS float64 `json:"duration_ms"`
}

// GraphFailedEvent is the payload for graph_failed events.
// Failed names every agent that actually failed; Skipped the ones whose
// capabilities were never invoked.
type GraphFailedEvent struct {
	Status  GraphStatus `json:"status"`
	Failed  []string    `json:"failed,omitempty"`
	Skipped []string    `json:"skipped,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// MarshalPayload encodes a payload struct for embedding in an Event.
func MarshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <kind>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data))
}
