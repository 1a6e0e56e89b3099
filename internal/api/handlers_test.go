package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowmesh/conductor/internal/bus"
	"github.com/flowmesh/conductor/internal/capability"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/graphstore"
	"github.com/flowmesh/conductor/internal/miner"
	"github.com/flowmesh/conductor/internal/proposal"
	"github.com/flowmesh/conductor/internal/scheduler"
	"github.com/flowmesh/conductor/internal/validator"
	"github.com/flowmesh/conductor/pkg/types"
)

type apiFixture struct {
	server    *Server
	store     *graphstore.MemoryStore
	registry  *capability.Registry
	proposals *proposal.Manager
	sched     *scheduler.Scheduler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		SSEHeartbeat:   time.Second,
	}

	store := graphstore.NewMemoryStore(nil)
	registry := capability.NewRegistry()
	eventBus := bus.New()
	configs := proposal.NewMemoryConfigStore()
	proposals := proposal.NewManager(configs, nil)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.BackoffBase = 10 * time.Millisecond
	sched := scheduler.New(store, registry, eventBus, schedCfg, nil)

	minerCfg := miner.DefaultConfig()
	m := miner.New(eventBus, proposals, configs, minerCfg, nil)
	m.Start()

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New failed: %v", err)
	}

	handlers := NewHandlers(store, sched, registry, v, proposals, m, cfg, nil)
	f := &apiFixture{
		server:    NewServer(handlers),
		store:     store,
		registry:  registry,
		proposals: proposals,
		sched:     sched,
	}

	registry.Register("echo", "echoes", capability.Func(func(ctx context.Context, inv *capability.Invocation) (capability.Result, error) {
		return capability.Result{"ok": true}, nil
	}))
	registry.Register("fail", "always fails", capability.Func(func(ctx context.Context, inv *capability.Invocation) (capability.Result, error) {
		return nil, errors.New("boom")
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
		m.Stop()
		eventBus.Close()
		store.Close()
		registry.Close()
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) submit(t *testing.T, body string) string {
	t.Helper()
	rec := f.do(t, "POST", "/api/v1/tasks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad submit response: %v", err)
	}
	return resp.TaskID
}

func (f *apiFixture) waitStatus(t *testing.T, taskID string, want types.GraphStatus) types.GraphStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last types.GraphStatusResponse
	for time.Now().Before(deadline) {
		rec := f.do(t, "GET", "/api/v1/tasks/"+taskID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get task: expected 200, got %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &last); err != nil {
			t.Fatalf("bad status response: %v", err)
		}
		if last.Status == want {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached %s (last: %s)", want, last.Status)
	return last
}

func TestAPI_SubmitAndComplete(t *testing.T) {
	f := newAPIFixture(t)

	taskID := f.submit(t, `{
		"tenantId": "t1",
		"agents": [
			{"name": "a", "type": "echo"},
			{"name": "b", "type": "echo", "depends_on": ["a"]}
		]
	}`)

	status := f.waitStatus(t, taskID, types.GraphStatusSucceeded)
	if len(status.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(status.Agents))
	}
	for _, a := range status.Agents {
		if a.State != types.AgentStateSucceeded {
			t.Errorf("%s: expected succeeded, got %s", a.Name, a.State)
		}
	}

	rec := f.do(t, "GET", "/api/v1/tasks", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), taskID) {
		t.Errorf("task list missing task: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_SubmitValidation(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("schema violation", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/tasks", `{"agents": []}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
		var resp ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Error != ErrCodeBadRequest {
			t.Errorf("unexpected error code: %s", resp.Error)
		}
	})

	t.Run("unknown capability", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/tasks", `{"agents": [{"name": "a", "type": "nope"}]}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("cycle rejected", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/tasks", `{"agents": [
			{"name": "a", "type": "echo", "depends_on": ["b"]},
			{"name": "b", "type": "echo", "depends_on": ["a"]}
		]}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "cycle") {
			t.Errorf("expected cycle in error: %s", rec.Body.String())
		}
	})
}

func TestAPI_GetTaskNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, "GET", "/api/v1/tasks/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAPI_CancelFinishedTaskConflicts(t *testing.T) {
	f := newAPIFixture(t)

	taskID := f.submit(t, `{"agents": [{"name": "a", "type": "echo"}]}`)
	f.waitStatus(t, taskID, types.GraphStatusSucceeded)

	// Wait for the run loop to unregister.
	deadline := time.Now().Add(2 * time.Second)
	for f.sched.Running(taskID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rec := f.do(t, "POST", "/api/v1/tasks/"+taskID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/api/v1/tasks/missing/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAPI_Capabilities(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, "GET", "/api/v1/capabilities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Capabilities []capability.Info `json:"capabilities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(resp.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %d", len(resp.Capabilities))
	}
}

func TestAPI_ProposalLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	p, err := f.proposals.Propose(
		types.NewPatternSignature("db", types.ErrorKindTimeout),
		"db.timeout", 60, 90, "r", "",
	)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	rec := f.do(t, "GET", "/api/v1/proposals?status=proposed", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), p.ID) {
		t.Fatalf("proposal missing from list: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/api/v1/proposals/"+p.ID+"/apply", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("apply before approve: expected 409, got %d", rec.Code)
	}

	rec = f.do(t, "POST", "/api/v1/proposals/"+p.ID+"/approve", `{"resolved_by": "operator"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/api/v1/proposals/"+p.ID+"/apply", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("apply: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/api/v1/proposals/"+p.ID+"/apply", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second apply: expected 409, got %d", rec.Code)
	}

	rec = f.do(t, "GET", "/api/v1/proposals/"+p.ID, "")
	var got types.ImprovementProposal
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad proposal response: %v", err)
	}
	if got.Status != types.ProposalStatusApplied {
		t.Errorf("expected applied, got %s", got.Status)
	}
}

func TestAPI_PatternsFromFailures(t *testing.T) {
	f := newAPIFixture(t)

	// Three failing graphs should surface a pattern and a proposal.
	for i := 0; i < 3; i++ {
		taskID := f.submit(t, `{"agents": [{"name": "a", "type": "fail", "max_retries": 0}]}`)
		f.waitStatus(t, taskID, types.GraphStatusFailed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.proposals.List("")) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := f.do(t, "GET", "/api/v1/patterns", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fail/capability_failure") {
		t.Errorf("pattern missing: %d %s", rec.Code, rec.Body.String())
	}

	proposals := f.proposals.List("")
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposals))
	}
	if proposals[0].Target != "fail.max_retries" {
		t.Errorf("unexpected target: %s", proposals[0].Target)
	}
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rec := f.do(t, "GET", path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
