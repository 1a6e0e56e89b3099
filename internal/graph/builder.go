// Package graph turns task submissions into validated task graphs.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/conductor/pkg/types"
)

// DuplicateNameError reports an agent name used more than once in a graph.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate agent name %q", e.Name)
}

// UnknownDependencyError reports a depends_on reference to a name that does
// not exist in the same graph.
type UnknownDependencyError struct {
	Agent      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("agent %q depends on unknown agent %q", e.Agent, e.Dependency)
}

// CycleError reports a dependency cycle, naming the offending subset.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving agents: %s", strings.Join(e.Names, ", "))
}

// Validate checks a submission and returns a validated TaskGraph with every
// execution record initialized: Pending for agents with dependencies, Ready
// for agents with none. It never invokes a capability and has no side
// effects beyond constructing the graph.
func Validate(sub *types.TaskSubmission) (*types.TaskGraph, error) {
	specs := sub.Agents

	// Resolve names to integer indices; the adjacency structure is built
	// over indices so the graph is a single array-backed arena.
	index := make(map[string]int, len(specs))
	for i := range specs {
		name := specs[i].Name
		if _, exists := index[name]; exists {
			return nil, &DuplicateNameError{Name: name}
		}
		index[name] = i
	}

	dependents := make([][]int, len(specs))
	dependencies := make([][]int, len(specs))
	indegree := make([]int, len(specs))

	for i := range specs {
		for _, dep := range specs[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Agent: specs[i].Name, Dependency: dep}
			}
			dependents[j] = append(dependents[j], i)
			dependencies[i] = append(dependencies[i], j)
			indegree[i]++
		}
	}

	// Kahn's algorithm: repeatedly remove zero-indegree nodes. Anything
	// left afterwards sits on a cycle.
	remaining := make([]int, len(specs))
	copy(remaining, indegree)

	queue := make([]int, 0, len(specs))
	for i := range specs {
		if remaining[i] == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range dependents[n] {
			remaining[m]--
			if remaining[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if visited < len(specs) {
		var cyclic []string
		for i := range specs {
			if remaining[i] > 0 {
				cyclic = append(cyclic, specs[i].Name)
			}
		}
		sort.Strings(cyclic)
		return nil, &CycleError{Names: cyclic}
	}

	now := time.Now().UTC()
	records := make([]types.ExecutionRecord, len(specs))
	for i := range specs {
		state := types.AgentStatePending
		if indegree[i] == 0 {
			state = types.AgentStateReady
		}
		records[i] = types.ExecutionRecord{
			Name:  specs[i].Name,
			State: state,
		}
	}

	g := &types.TaskGraph{
		ID:           uuid.New().String(),
		TenantID:     sub.TenantID,
		SessionID:    sub.SessionID,
		Description:  sub.Description,
		Specs:        specs,
		Dependents:   dependents,
		Dependencies: dependencies,
		Records:      records,
		Status:       types.GraphStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	g.SetIndex(index)

	return g, nil
}
