package types

import (
	"time"
)

// PatternSignature is a normalized key summarizing a recurring failure
// condition, derived from repeated event attributes.
type PatternSignature string

// NewPatternSignature builds the canonical signature for an agent type and
// error kind, e.g. "database-agent/timeout".
func NewPatternSignature(agentType string, kind ErrorKind) PatternSignature {
	return PatternSignature(agentType + "/" + string(kind))
}

// Pattern aggregates occurrences of one signature inside the miner's
// trailing window. Mutated only by the pattern miner.
type Pattern struct {
	Signature PatternSignature `json:"signature"`
	Frequency int              `json:"frequency"`
	FirstSeen time.Time        `json:"first_seen"`
	LastSeen  time.Time        `json:"last_seen"`

	// Occurrences holds the timestamps inside the active window; entries
	// older than the window are evicted lazily and by the periodic sweep.
	Occurrences []time.Time `json:"-"`
}

// ProposalStatus represents the lifecycle state of an improvement proposal.
type ProposalStatus string

const (
	ProposalStatusProposed ProposalStatus = "proposed"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusApplied  ProposalStatus = "applied"
)

// ImprovementProposal is a configuration change derived from an observed
// pattern. Created by the pattern miner, transitioned only by the proposal
// lifecycle manager, never deleted.
type ImprovementProposal struct {
	ID        string           `json:"id"`
	Signature PatternSignature `json:"signature"`

	// Target is the configuration path the proposal would change,
	// e.g. "database-agent.timeout".
	Target string `json:"target"`

	CurrentValue  float64 `json:"current_value"`
	ProposedValue float64 `json:"proposed_value"`

	Rationale           string `json:"rationale"`
	ExpectedImprovement string `json:"expected_improvement,omitempty"`

	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	AppliedAt  *time.Time     `json:"applied_at,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
}

// Active reports whether the proposal blocks re-emission for its signature.
func (p *ImprovementProposal) Active() bool {
	return p.Status == ProposalStatusProposed || p.Status == ProposalStatusApproved
}
