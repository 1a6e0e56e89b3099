// Package proposal manages the lifecycle of improvement proposals produced
// by the pattern miner.
package proposal

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/conductor/internal/metrics"
	"github.com/flowmesh/conductor/pkg/types"
)

// Common errors returned by the manager.
var (
	ErrNotFound       = errors.New("proposal not found")
	ErrAlreadyApplied = errors.New("proposal already applied")
	ErrDuplicate      = errors.New("active proposal exists for signature")
)

// InvalidTransitionError reports a disallowed lifecycle transition.
type InvalidTransitionError struct {
	From types.ProposalStatus
	To   types.ProposalStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid proposal transition %s -> %s", e.From, e.To)
}

// ConfigStore holds the tunable configuration values that applied proposals
// mutate, keyed by dotted path (e.g. "database-agent.timeout").
type ConfigStore interface {
	// Get returns the value at path, or false if unset.
	Get(path string) (float64, bool)

	// Set writes the value at path.
	Set(path string, value float64) error
}

// MemoryConfigStore is an in-memory ConfigStore.
type MemoryConfigStore struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewMemoryConfigStore creates an empty config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{values: make(map[string]float64)}
}

func (s *MemoryConfigStore) Get(path string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[path]
	return v, ok
}

func (s *MemoryConfigStore) Set(path string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[path] = value
	return nil
}

// Snapshot returns a copy of all values.
func (s *MemoryConfigStore) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Manager owns every improvement proposal. Proposals are never deleted;
// terminal records are kept for audit.
type Manager struct {
	configs ConfigStore
	logger  *slog.Logger

	mu        sync.RWMutex
	proposals map[string]*types.ImprovementProposal
}

// NewManager creates a proposal manager backed by the given config store.
func NewManager(configs ConfigStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs:   configs,
		logger:    logger.With("component", "proposals"),
		proposals: make(map[string]*types.ImprovementProposal),
	}
}

// HasActive reports whether a Proposed or Approved proposal exists for the
// signature.
func (m *Manager) HasActive(sig types.PatternSignature) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proposals {
		if p.Signature == sig && p.Active() {
			return true
		}
	}
	return false
}

// Propose creates a new proposal in status Proposed. Returns ErrDuplicate if
// an active proposal already exists for the same signature.
func (m *Manager) Propose(sig types.PatternSignature, target string, current, proposed float64, rationale, expected string) (*types.ImprovementProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.proposals {
		if p.Signature == sig && p.Active() {
			return nil, ErrDuplicate
		}
	}

	now := time.Now().UTC()
	p := &types.ImprovementProposal{
		ID:                  uuid.New().String(),
		Signature:           sig,
		Target:              target,
		CurrentValue:        current,
		ProposedValue:       proposed,
		Rationale:           rationale,
		ExpectedImprovement: expected,
		Status:              types.ProposalStatusProposed,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.proposals[p.ID] = p
	metrics.ProposalsTotal.WithLabelValues(string(types.ProposalStatusProposed)).Inc()
	m.logger.Info("proposal created", "id", p.ID, "signature", sig, "target", target,
		"current", current, "proposed", proposed)

	out := *p
	return &out, nil
}

// Get returns a proposal by ID.
func (m *Manager) Get(id string) (*types.ImprovementProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// List returns all proposals, optionally filtered by status, newest first.
func (m *Manager) List(status types.ProposalStatus) []*types.ImprovementProposal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ImprovementProposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Approve transitions Proposed -> Approved.
func (m *Manager) Approve(id, resolvedBy string) (*types.ImprovementProposal, error) {
	return m.transition(id, resolvedBy, types.ProposalStatusProposed, types.ProposalStatusApproved)
}

// Reject transitions Proposed -> Rejected.
func (m *Manager) Reject(id, resolvedBy string) (*types.ImprovementProposal, error) {
	return m.transition(id, resolvedBy, types.ProposalStatusProposed, types.ProposalStatusRejected)
}

func (m *Manager) transition(id, resolvedBy string, from, to types.ProposalStatus) (*types.ImprovementProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != from {
		return nil, &InvalidTransitionError{From: p.Status, To: to}
	}
	p.Status = to
	p.ResolvedBy = resolvedBy
	p.UpdatedAt = time.Now().UTC()
	metrics.ProposalsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Info("proposal transitioned", "id", id, "status", to, "resolved_by", resolvedBy)

	out := *p
	return &out, nil
}

// Apply writes the proposed value to the config store and transitions
// Approved -> Applied. Idempotent: applying an Applied proposal returns
// ErrAlreadyApplied without touching configuration. A config write failure
// leaves the proposal Approved so Apply can be retried.
func (m *Manager) Apply(id, resolvedBy string) (*types.ImprovementProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch p.Status {
	case types.ProposalStatusApplied:
		return nil, ErrAlreadyApplied
	case types.ProposalStatusApproved:
	default:
		return nil, &InvalidTransitionError{From: p.Status, To: types.ProposalStatusApplied}
	}

	if err := m.configs.Set(p.Target, p.ProposedValue); err != nil {
		return nil, fmt.Errorf("apply %s: %w", p.Target, err)
	}

	now := time.Now().UTC()
	p.Status = types.ProposalStatusApplied
	p.AppliedAt = &now
	p.UpdatedAt = now
	if resolvedBy != "" {
		p.ResolvedBy = resolvedBy
	}
	metrics.ProposalsTotal.WithLabelValues(string(types.ProposalStatusApplied)).Inc()
	m.logger.Info("proposal applied", "id", id, "target", p.Target, "value", p.ProposedValue)

	out := *p
	return &out, nil
}
