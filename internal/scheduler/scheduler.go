// Package scheduler executes validated task graphs: it dispatches ready
// agents to their capabilities, enforces retry and timeout policy, and emits
// lifecycle events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/bus"
	"github.com/flowmesh/conductor/internal/capability"
	"github.com/flowmesh/conductor/internal/graphstore"
	"github.com/flowmesh/conductor/internal/metrics"
	"github.com/flowmesh/conductor/pkg/types"
)

// Common errors returned by the scheduler.
var (
	ErrAlreadyRunning = errors.New("graph already running")
	ErrNotRunning     = errors.New("graph not running")
	ErrStopped        = errors.New("scheduler stopped")
)

// Config holds scheduling policy.
type Config struct {
	// MaxParallel bounds concurrent capability invocations across all graphs.
	MaxParallel int

	// DefaultTimeout is the per-attempt wall-clock deadline when the spec
	// does not override it.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is the retry budget when the spec does not override
	// it. 0 means a single attempt.
	DefaultMaxRetries int

	// BackoffBase and BackoffCap shape the retry delay:
	// delay = min(BackoffBase * 2^(attempt-1), BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// CancelGrace is how long a running capability gets to return after its
	// context is cancelled before it is forced to Failed.
	CancelGrace time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:       8,
		DefaultTimeout:    60 * time.Second,
		DefaultMaxRetries: 2,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        30 * time.Second,
		CancelGrace:       5 * time.Second,
	}
}

// Scheduler runs task graphs. Each accepted graph gets its own run loop
// goroutine which is the sole writer of that graph's records and status;
// workers report back over a completions channel.
type Scheduler struct {
	store    graphstore.GraphStore
	registry *capability.Registry
	bus      *bus.Bus
	cfg      Config
	logger   *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	runs    map[string]*graphRun
	stopped bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// graphRun is the per-graph execution state, owned by its run loop.
type graphRun struct {
	graph     *types.TaskGraph
	remaining []int
	results   []capability.Result

	completions chan completion
	retries     chan retryMsg
	cancelReq   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-local state; no locking needed.
	seq          int64
	outstanding  int
	cancelled    bool
	waitingRetry map[int]int // idx -> next attempt
}

type completion struct {
	idx     int
	attempt int
	result  capability.Result
	err     *types.ExecError
	elapsed time.Duration
}

type retryMsg struct {
	idx     int
	attempt int
}

// New creates a scheduler.
func New(store graphstore.GraphStore, registry *capability.Registry, eventBus *bus.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		registry: registry,
		bus:      eventBus,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		sem:      make(chan struct{}, cfg.MaxParallel),
		runs:     make(map[string]*graphRun),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Run starts asynchronous execution of a validated graph. The graph must
// already exist in the store. Returns ErrAlreadyRunning if an execution for
// the same graph ID is in flight.
func (s *Scheduler) Run(g *types.TaskGraph) error {
	n := len(g.Specs)
	r := &graphRun{
		graph:        g,
		remaining:    make([]int, n),
		results:      make([]capability.Result, n),
		completions:  make(chan completion, n),
		retries:      make(chan retryMsg, n),
		cancelReq:    make(chan struct{}, 1),
		outstanding:  n,
		waitingRetry: make(map[int]int),
	}
	for i, deps := range g.Dependencies {
		r.remaining[i] = len(deps)
	}
	r.ctx, r.cancel = context.WithCancel(s.baseCtx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, exists := s.runs[g.ID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.runs[g.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(r)
	return nil
}

// Cancel requests cooperative cancellation of a running graph.
// Returns ErrNotRunning if the graph has no execution in flight.
func (s *Scheduler) Cancel(graphID string) error {
	s.mu.Lock()
	r, ok := s.runs[graphID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	select {
	case r.cancelReq <- struct{}{}:
	default:
	}
	return nil
}

// Running reports whether the graph has an execution in flight.
func (s *Scheduler) Running(graphID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[graphID]
	return ok
}

// Shutdown cancels all running graphs and waits for their loops to finish,
// bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, r := range s.runs {
		select {
		case r.cancelReq <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	}
	s.stop()
	return nil
}

// loop is the single writer for one graph's records, status and events.
func (s *Scheduler) loop(r *graphRun) {
	defer s.wg.Done()
	defer r.cancel()
	g := r.graph
	log := s.logger.With("graph_id", g.ID)

	started := time.Now().UTC()
	if err := s.store.UpdateGraphStatus(context.Background(), g.ID, types.GraphStatusRunning, &started, nil); err != nil {
		log.Error("failed to mark graph running", "error", err)
	}
	g.Status = types.GraphStatusRunning

	s.emit(r, types.EventGraphValidated, "", types.MarshalPayload(types.GraphValidatedEvent{
		AgentCount: len(g.Specs),
	}))

	for i := range g.Specs {
		if r.remaining[i] == 0 {
			s.dispatch(r, i, 1)
		}
	}

	for r.outstanding > 0 {
		select {
		case c := <-r.completions:
			s.handleCompletion(r, c, log)
		case m := <-r.retries:
			delete(r.waitingRetry, m.idx)
			if r.cancelled {
				s.finalizeCancelledRetry(r, m.idx)
				continue
			}
			metrics.AgentRetries.WithLabelValues(g.Specs[m.idx].Type).Inc()
			s.dispatch(r, m.idx, m.attempt)
		case <-r.cancelReq:
			if !r.cancelled {
				s.handleCancel(r, log)
			}
		}
	}

	s.finish(r, started, log)

	s.mu.Lock()
	delete(s.runs, g.ID)
	s.mu.Unlock()
}

// dispatch marks the agent Running and launches a worker for one attempt.
func (s *Scheduler) dispatch(r *graphRun, idx, attempt int) {
	g := r.graph
	spec := &g.Specs[idx]
	rec := &g.Records[idx]

	now := time.Now().UTC()
	rec.State = types.AgentStateRunning
	rec.Attempt = attempt
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	s.persistRecord(r, idx)

	if attempt == 1 {
		s.emit(r, types.EventAgentStarted, spec.Name, types.MarshalPayload(types.AgentStartedEvent{
			AgentType: spec.Type,
			Attempt:   attempt,
		}))
	}

	go s.execute(r, idx, attempt)
}

// execute runs a single capability attempt and reports a completion.
// Runs outside the loop goroutine; touches only immutable graph fields.
func (s *Scheduler) execute(r *graphRun, idx, attempt int) {
	g := r.graph
	spec := &g.Specs[idx]

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-r.ctx.Done():
		r.completions <- completion{idx: idx, attempt: attempt, err: &types.ExecError{
			Kind:    types.ErrorKindCancelled,
			Message: "cancelled before execution",
		}}
		return
	}

	impl, err := s.registry.Resolve(spec.Type)
	if err != nil {
		r.completions <- completion{idx: idx, attempt: attempt, err: &types.ExecError{
			Kind:    types.ErrorKindCapability,
			Message: fmt.Sprintf("capability %q: %v", spec.Type, err),
		}}
		return
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	inv := &capability.Invocation{
		GraphID:   g.ID,
		TenantID:  g.TenantID,
		AgentName: spec.Name,
		AgentType: spec.Type,
		Config:    spec.Config,
		Prior:     s.priorResults(r, idx),
	}

	metrics.RunningAgents.Inc()
	defer metrics.RunningAgents.Dec()
	start := time.Now()

	type outcome struct {
		result capability.Result
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, execErr := impl.Execute(attemptCtx, inv)
		resCh <- outcome{result: res, err: execErr}
	}()

	var out outcome
	select {
	case out = <-resCh:
	case <-attemptCtx.Done():
		// Deadline or graph cancel. Grant the grace period, then give up
		// on the capability and classify by cause.
		select {
		case out = <-resCh:
		case <-time.After(s.cfg.CancelGrace):
			out = outcome{err: attemptCtx.Err()}
		}
	}
	elapsed := time.Since(start)
	metrics.AgentDuration.WithLabelValues(spec.Type).Observe(elapsed.Seconds())

	c := completion{idx: idx, attempt: attempt, elapsed: elapsed}
	if out.err == nil {
		c.result = out.result
	} else {
		c.err = classify(out.err, attemptCtx, r.ctx)
	}
	r.completions <- c
}

// classify maps an execution error to its kind. Graph-level cancellation wins
// over an attempt deadline, because cancelling the graph also cancels the
// attempt context.
func classify(err error, attemptCtx, graphCtx context.Context) *types.ExecError {
	switch {
	case graphCtx.Err() != nil:
		return &types.ExecError{Kind: types.ErrorKindCancelled, Message: "execution cancelled"}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return &types.ExecError{Kind: types.ErrorKindTimeout, Message: "execution deadline exceeded"}
	default:
		return &types.ExecError{Kind: types.ErrorKindCapability, Message: err.Error()}
	}
}

// priorResults collects dependency outputs for an invocation.
func (s *Scheduler) priorResults(r *graphRun, idx int) map[string]capability.Result {
	deps := r.graph.Dependencies[idx]
	if len(deps) == 0 {
		return nil
	}
	prior := make(map[string]capability.Result, len(deps))
	for _, d := range deps {
		prior[r.graph.Specs[d].Name] = r.results[d]
	}
	return prior
}

func (s *Scheduler) handleCompletion(r *graphRun, c completion, log *slog.Logger) {
	g := r.graph
	spec := &g.Specs[c.idx]
	rec := &g.Records[c.idx]

	if c.err == nil {
		now := time.Now().UTC()
		rec.State = types.AgentStateSucceeded
		rec.EndedAt = &now
		r.results[c.idx] = c.result
		r.outstanding--
		s.persistRecord(r, c.idx)
		metrics.AgentExecutions.WithLabelValues(spec.Type, "succeeded").Inc()

		s.emit(r, types.EventAgentSucceeded, spec.Name, types.MarshalPayload(types.AgentSucceededEvent{
			AgentType:  spec.Type,
			Attempt:    c.attempt,
			DurationMS: float64(c.elapsed.Milliseconds()),
		}))

		// Unlock dependents.
		for _, d := range g.Dependents[c.idx] {
			r.remaining[d]--
			if r.remaining[d] == 0 && g.Records[d].State == types.AgentStatePending {
				if r.cancelled {
					continue
				}
				s.dispatch(r, d, 1)
			}
		}
		return
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	retryable := c.err.Kind != types.ErrorKindCancelled && !r.cancelled

	if retryable && c.attempt <= maxRetries {
		delay := s.backoff(c.attempt)
		log.Info("agent attempt failed, retrying",
			"agent", spec.Name, "attempt", c.attempt, "kind", c.err.Kind, "delay", delay)
		metrics.AgentExecutions.WithLabelValues(spec.Type, "retried").Inc()

		next := c.attempt + 1
		r.waitingRetry[c.idx] = next
		idx := c.idx
		time.AfterFunc(delay, func() {
			r.retries <- retryMsg{idx: idx, attempt: next}
		})
		return
	}

	s.failAgent(r, c.idx, c.attempt, c.err, log)
}

// failAgent finalizes a failed record and skips its transitive dependents.
func (s *Scheduler) failAgent(r *graphRun, idx, attempt int, execErr *types.ExecError, log *slog.Logger) {
	g := r.graph
	spec := &g.Specs[idx]
	rec := &g.Records[idx]

	now := time.Now().UTC()
	rec.State = types.AgentStateFailed
	rec.EndedAt = &now
	rec.Error = execErr
	r.outstanding--
	s.persistRecord(r, idx)
	metrics.AgentExecutions.WithLabelValues(spec.Type, "failed").Inc()
	log.Warn("agent failed", "agent", spec.Name, "attempt", attempt, "kind", execErr.Kind, "error", execErr.Message)

	s.emit(r, types.EventAgentFailed, spec.Name, types.MarshalPayload(types.AgentFailedEvent{
		AgentType: spec.Type,
		Kind:      execErr.Kind,
		Message:   execErr.Message,
		Attempt:   attempt,
	}))

	s.skipDependents(r, idx, spec.Name)
}

// skipDependents walks the dependent closure of a failed agent and marks
// every not-yet-started record Skipped. Capabilities of skipped agents are
// never invoked.
func (s *Scheduler) skipDependents(r *graphRun, from int, cause string) {
	g := r.graph
	queue := append([]int(nil), g.Dependents[from]...)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		rec := &g.Records[idx]
		if rec.State != types.AgentStatePending && rec.State != types.AgentStateReady {
			continue
		}
		s.skipAgent(r, idx, cause)
		queue = append(queue, g.Dependents[idx]...)
	}
}

func (s *Scheduler) skipAgent(r *graphRun, idx int, cause string) {
	g := r.graph
	rec := &g.Records[idx]
	now := time.Now().UTC()
	rec.State = types.AgentStateSkipped
	rec.EndedAt = &now
	r.outstanding--
	s.persistRecord(r, idx)
	metrics.AgentExecutions.WithLabelValues(g.Specs[idx].Type, "skipped").Inc()

	s.emit(r, types.EventAgentSkipped, g.Specs[idx].Name, types.MarshalPayload(types.AgentSkippedEvent{
		AgentType: g.Specs[idx].Type,
		Cause:     cause,
	}))
}

// handleCancel marks the run cancelled, cancels in-flight attempts, and
// skips everything that has not started.
func (s *Scheduler) handleCancel(r *graphRun, log *slog.Logger) {
	r.cancelled = true
	log.Info("cancelling graph")
	r.cancel()

	for i := range r.graph.Records {
		state := r.graph.Records[i].State
		if state == types.AgentStatePending || state == types.AgentStateReady {
			s.skipAgent(r, i, "cancelled")
		}
	}

	// Agents waiting out a backoff delay have no in-flight attempt to
	// cancel; fail them now. Their timers fire into a buffered channel and
	// the late messages are ignored.
	for idx := range r.waitingRetry {
		s.finalizeCancelledRetry(r, idx)
	}
	r.waitingRetry = make(map[int]int)
}

// finalizeCancelledRetry fails an agent whose retry timer fired after cancel.
func (s *Scheduler) finalizeCancelledRetry(r *graphRun, idx int) {
	if r.graph.Records[idx].State != types.AgentStateRunning {
		return
	}
	s.failAgent(r, idx, r.graph.Records[idx].Attempt, &types.ExecError{
		Kind:    types.ErrorKindCancelled,
		Message: "cancelled during retry backoff",
	}, s.logger.With("graph_id", r.graph.ID))
}

// finish derives the terminal status, emits the terminal event, and persists
// the final graph state.
func (s *Scheduler) finish(r *graphRun, started time.Time, log *slog.Logger) {
	g := r.graph

	var failed, skipped []string
	allSucceeded := true
	for i := range g.Records {
		switch g.Records[i].State {
		case types.AgentStateFailed:
			failed = append(failed, g.Records[i].Name)
			allSucceeded = false
		case types.AgentStateSkipped:
			skipped = append(skipped, g.Records[i].Name)
			allSucceeded = false
		case types.AgentStateSucceeded:
		default:
			allSucceeded = false
		}
	}

	finished := time.Now().UTC()
	elapsed := finished.Sub(started)

	var status types.GraphStatus
	switch {
	case r.cancelled:
		status = types.GraphStatusCancelled
	case allSucceeded:
		status = types.GraphStatusSucceeded
	default:
		status = types.GraphStatusFailed
	}
	g.Status = status

	if status == types.GraphStatusSucceeded {
		s.emit(r, types.EventGraphCompleted, "", types.MarshalPayload(types.GraphCompletedEvent{
			DurationMS: float64(elapsed.Milliseconds()),
		}))
	} else {
		reason := ""
		if r.cancelled {
			reason = "cancelled"
		}
		s.emit(r, types.EventGraphFailed, "", types.MarshalPayload(types.GraphFailedEvent{
			Status:  status,
			Failed:  failed,
			Skipped: skipped,
			Reason:  reason,
		}))
	}

	// Terminal status last: it closes store event subscriptions.
	if err := s.store.UpdateGraphStatus(context.Background(), g.ID, status, nil, &finished); err != nil {
		log.Error("failed to persist terminal status", "error", err)
	}

	metrics.GraphsCompleted.WithLabelValues(string(status)).Inc()
	metrics.GraphDuration.Observe(elapsed.Seconds())
	log.Info("graph finished", "status", status, "duration", elapsed,
		"failed", len(failed), "skipped", len(skipped))
}

// emit assigns the next sequence number and publishes the event to the bus
// and the store. Store persistence is best effort.
func (s *Scheduler) emit(r *graphRun, kind types.EventKind, agentName string, data []byte) {
	r.seq++
	evt := &types.Event{
		ID:        fmt.Sprintf("%s-%d", r.graph.ID, r.seq),
		Seq:       r.seq,
		GraphID:   r.graph.ID,
		Kind:      kind,
		AgentName: agentName,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := s.store.AppendEvent(context.Background(), r.graph.ID, evt); err != nil {
		s.logger.Warn("failed to persist event", "graph_id", r.graph.ID, "kind", kind, "error", err)
	}
	if s.bus != nil {
		s.bus.Publish(evt)
	}
	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
}

func (s *Scheduler) persistRecord(r *graphRun, idx int) {
	rec := r.graph.Records[idx]
	if err := s.store.UpdateRecord(context.Background(), r.graph.ID, &rec); err != nil {
		s.logger.Warn("failed to persist record", "graph_id", r.graph.ID, "agent", rec.Name, "error", err)
	}
}

// backoff computes the delay before the next attempt.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}
