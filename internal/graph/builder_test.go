package graph

import (
	"errors"
	"testing"

	"github.com/flowmesh/conductor/pkg/types"
)

func submission(agents ...types.AgentSpec) *types.TaskSubmission {
	return &types.TaskSubmission{
		TenantID: "tenant-1",
		Agents:   agents,
	}
}

func TestValidate_LinearChain(t *testing.T) {
	g, err := Validate(submission(
		types.AgentSpec{Name: "a", Type: "echo"},
		types.AgentSpec{Name: "b", Type: "echo", DependsOn: []string{"a"}},
		types.AgentSpec{Name: "c", Type: "echo", DependsOn: []string{"b"}},
	))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if g.ID == "" {
		t.Error("graph ID should be set")
	}
	if g.Status != types.GraphStatusPending {
		t.Errorf("expected status pending, got %s", g.Status)
	}

	if got := g.Record("a").State; got != types.AgentStateReady {
		t.Errorf("a: expected ready, got %s", got)
	}
	for _, name := range []string{"b", "c"} {
		if got := g.Record(name).State; got != types.AgentStatePending {
			t.Errorf("%s: expected pending, got %s", name, got)
		}
	}

	ia, _ := g.IndexOf("a")
	ib, _ := g.IndexOf("b")
	if len(g.Dependents[ia]) != 1 || g.Dependents[ia][0] != ib {
		t.Errorf("expected b to be the sole dependent of a, got %v", g.Dependents[ia])
	}
}

func TestValidate_DuplicateName(t *testing.T) {
	_, err := Validate(submission(
		types.AgentSpec{Name: "x", Type: "echo"},
		types.AgentSpec{Name: "x", Type: "echo"},
	))

	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "x" {
		t.Errorf("expected offending name x, got %q", dup.Name)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	_, err := Validate(submission(
		types.AgentSpec{Name: "x", Type: "echo", DependsOn: []string{"y"}},
	))

	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if unknown.Agent != "x" || unknown.Dependency != "y" {
		t.Errorf("unexpected error details: %+v", unknown)
	}
}

func TestValidate_Cycle(t *testing.T) {
	t.Run("reports offending subset", func(t *testing.T) {
		_, err := Validate(submission(
			types.AgentSpec{Name: "a", Type: "echo", DependsOn: []string{"c"}},
			types.AgentSpec{Name: "b", Type: "echo", DependsOn: []string{"a"}},
			types.AgentSpec{Name: "c", Type: "echo", DependsOn: []string{"b"}},
			types.AgentSpec{Name: "free", Type: "echo"},
		))

		var cycle *CycleError
		if !errors.As(err, &cycle) {
			t.Fatalf("expected CycleError, got %v", err)
		}
		if len(cycle.Names) != 3 {
			t.Fatalf("expected 3 cyclic agents, got %v", cycle.Names)
		}
		for _, name := range cycle.Names {
			if name == "free" {
				t.Error("free agent should not be reported as cyclic")
			}
		}
	})

	t.Run("self dependency", func(t *testing.T) {
		_, err := Validate(submission(
			types.AgentSpec{Name: "loop", Type: "echo", DependsOn: []string{"loop"}},
		))

		var cycle *CycleError
		if !errors.As(err, &cycle) {
			t.Fatalf("expected CycleError, got %v", err)
		}
	})
}

func TestValidate_Diamond(t *testing.T) {
	g, err := Validate(submission(
		types.AgentSpec{Name: "root", Type: "echo"},
		types.AgentSpec{Name: "left", Type: "echo", DependsOn: []string{"root"}},
		types.AgentSpec{Name: "right", Type: "echo", DependsOn: []string{"root"}},
		types.AgentSpec{Name: "join", Type: "echo", DependsOn: []string{"left", "right"}},
	))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	ij, _ := g.IndexOf("join")
	if len(g.Dependencies[ij]) != 2 {
		t.Errorf("join should have 2 dependencies, got %d", len(g.Dependencies[ij]))
	}
	if g.Record("join").State != types.AgentStatePending {
		t.Error("join should start pending")
	}
	if g.Record("root").State != types.AgentStateReady {
		t.Error("root should start ready")
	}
}

func TestValidate_NoCapabilityInvocation(t *testing.T) {
	// Validation is pure construction: no record may ever be running.
	g, err := Validate(submission(
		types.AgentSpec{Name: "a", Type: "echo"},
		types.AgentSpec{Name: "b", Type: "echo", DependsOn: []string{"a"}},
	))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	for _, rec := range g.Records {
		if rec.State == types.AgentStateRunning {
			t.Errorf("record %s running after validation", rec.Name)
		}
		if rec.StartedAt != nil {
			t.Errorf("record %s has a start time after validation", rec.Name)
		}
	}
}
