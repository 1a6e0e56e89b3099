// Package miner watches the event bus for recurring agent failures and turns
// them into improvement proposals.
package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/bus"
	"github.com/flowmesh/conductor/internal/metrics"
	"github.com/flowmesh/conductor/internal/proposal"
	"github.com/flowmesh/conductor/pkg/types"
)

// Config holds pattern mining policy.
type Config struct {
	// Window is the trailing duration over which occurrences count toward
	// a pattern's frequency.
	Window time.Duration

	// Threshold is the in-window frequency at which a proposal is emitted.
	Threshold int

	// Multiplier scales the current knob value into the proposed value.
	Multiplier float64

	// SweepInterval is how often stale occurrences are evicted; eviction
	// also happens lazily on every observation.
	SweepInterval time.Duration

	// DefaultTimeoutSec and DefaultMaxRetries seed knob values for agent
	// types with no configured override yet.
	DefaultTimeoutSec float64
	DefaultMaxRetries float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:            time.Hour,
		Threshold:         3,
		Multiplier:        1.5,
		SweepInterval:     time.Minute,
		DefaultTimeoutSec: 60,
		DefaultMaxRetries: 2,
	}
}

// Miner consumes agent_failed events, aggregates them into patterns keyed by
// (agent type, error kind), and emits improvement proposals when a pattern's
// in-window frequency crosses the threshold.
type Miner struct {
	cfg       Config
	bus       *bus.Bus
	proposals *proposal.Manager
	configs   proposal.ConfigStore
	logger    *slog.Logger

	mu       sync.RWMutex
	patterns map[types.PatternSignature]*types.Pattern

	cancelSub func()
	stop      context.CancelFunc
	done      chan struct{}
}

// New creates a pattern miner.
func New(eventBus *bus.Bus, proposals *proposal.Manager, configs proposal.ConfigStore, cfg Config, logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{
		cfg:       cfg,
		bus:       eventBus,
		proposals: proposals,
		configs:   configs,
		logger:    logger.With("component", "miner"),
		patterns:  make(map[types.PatternSignature]*types.Pattern),
	}
}

// Start subscribes to the bus and begins mining. Runs until Stop.
func (m *Miner) Start() {
	events, cancelSub := m.bus.Subscribe(func(evt *types.Event) bool {
		return evt.Kind == types.EventAgentFailed
	})
	m.cancelSub = cancelSub

	ctx, stop := context.WithCancel(context.Background())
	m.stop = stop
	m.done = make(chan struct{})

	go m.run(ctx, events)
}

// Stop unsubscribes and waits for the mining loop to exit.
func (m *Miner) Stop() {
	if m.cancelSub != nil {
		m.cancelSub()
	}
	if m.stop != nil {
		m.stop()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Miner) run(ctx context.Context, events <-chan *types.Event) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.observe(evt)
		case <-ticker.C:
			m.sweep(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// observe folds one failure event into its pattern and emits a proposal when
// the threshold is crossed.
func (m *Miner) observe(evt *types.Event) {
	var payload types.AgentFailedEvent
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		m.logger.Warn("malformed agent_failed payload", "event_id", evt.ID, "error", err)
		return
	}
	if payload.Kind == types.ErrorKindCancelled {
		// Operator-driven; no knob to tune.
		return
	}

	sig := types.NewPatternSignature(payload.AgentType, payload.Kind)
	now := evt.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	p, ok := m.patterns[sig]
	if !ok {
		p = &types.Pattern{Signature: sig, FirstSeen: now}
		m.patterns[sig] = p
	}
	p.Occurrences = append(evict(p.Occurrences, cutoff), now)
	p.Frequency = len(p.Occurrences)
	p.LastSeen = now
	frequency := p.Frequency
	m.mu.Unlock()

	if frequency < m.cfg.Threshold {
		return
	}
	m.propose(sig, payload.AgentType, payload.Kind, frequency)
}

// propose emits a proposal for the signature unless one is already active.
func (m *Miner) propose(sig types.PatternSignature, agentType string, kind types.ErrorKind, frequency int) {
	if m.proposals.HasActive(sig) {
		return
	}

	target, current := m.knob(agentType, kind)
	proposed := current * m.cfg.Multiplier

	rationale := fmt.Sprintf("%d %s failures for agent type %q within %s",
		frequency, kind, agentType, m.cfg.Window)
	expected := fmt.Sprintf("raising %s from %g to %g should reduce %s failures",
		target, current, proposed, kind)

	_, err := m.proposals.Propose(sig, target, current, proposed, rationale, expected)
	if err == proposal.ErrDuplicate {
		return
	}
	if err != nil {
		m.logger.Error("failed to emit proposal", "signature", sig, "error", err)
		return
	}
	metrics.PatternsDetected.WithLabelValues(string(sig)).Inc()
	m.logger.Info("pattern crossed threshold", "signature", sig, "frequency", frequency, "target", target)
}

// knob maps an error kind to the configuration path it indicts and resolves
// the current value, falling back to the service default.
func (m *Miner) knob(agentType string, kind types.ErrorKind) (target string, current float64) {
	switch kind {
	case types.ErrorKindTimeout:
		target = agentType + ".timeout"
		current = m.cfg.DefaultTimeoutSec
	default:
		target = agentType + ".max_retries"
		current = m.cfg.DefaultMaxRetries
	}
	if v, ok := m.configs.Get(target); ok {
		current = v
	}
	return target, current
}

// sweep evicts occurrences that have aged out of every pattern's window.
func (m *Miner) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patterns {
		p.Occurrences = evict(p.Occurrences, cutoff)
		p.Frequency = len(p.Occurrences)
	}
}

// Patterns returns a snapshot of all observed patterns, evicted to the
// current window and sorted by signature.
func (m *Miner) Patterns() []*types.Pattern {
	cutoff := time.Now().UTC().Add(-m.cfg.Window)

	m.mu.Lock()
	out := make([]*types.Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		p.Occurrences = evict(p.Occurrences, cutoff)
		p.Frequency = len(p.Occurrences)
		cp := *p
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// evict drops occurrences at or before the cutoff. Occurrences are appended
// in event order, so the slice stays sorted.
func evict(occ []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(occ) && !occ[i].After(cutoff) {
		i++
	}
	return occ[i:]
}
