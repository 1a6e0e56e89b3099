package proposal

import (
	"errors"
	"testing"

	"github.com/flowmesh/conductor/pkg/types"
)

func newTestManager() (*Manager, *MemoryConfigStore) {
	cs := NewMemoryConfigStore()
	return NewManager(cs, nil), cs
}

func propose(t *testing.T, m *Manager) *types.ImprovementProposal {
	t.Helper()
	p, err := m.Propose(
		types.NewPatternSignature("database-agent", types.ErrorKindTimeout),
		"database-agent.timeout", 60, 90,
		"3 timeout failures within 1h", "fewer timeout failures",
	)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	return p
}

func TestManager_Propose(t *testing.T) {
	m, _ := newTestManager()

	p := propose(t, m)
	if p.Status != types.ProposalStatusProposed {
		t.Errorf("expected proposed, got %s", p.Status)
	}
	if p.ID == "" || p.CreatedAt.IsZero() {
		t.Errorf("incomplete proposal: %+v", p)
	}

	t.Run("duplicate signature rejected while active", func(t *testing.T) {
		_, err := m.Propose(p.Signature, p.Target, 60, 90, "again", "")
		if err != ErrDuplicate {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
		if !m.HasActive(p.Signature) {
			t.Error("HasActive should be true")
		}
	})

	t.Run("new proposal allowed after rejection", func(t *testing.T) {
		if _, err := m.Reject(p.ID, "operator"); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		if m.HasActive(p.Signature) {
			t.Error("rejected proposal should not count as active")
		}
		if _, err := m.Propose(p.Signature, p.Target, 60, 90, "again", ""); err != nil {
			t.Errorf("expected fresh proposal after rejection, got %v", err)
		}
	})
}

func TestManager_ApproveAndApply(t *testing.T) {
	m, cs := newTestManager()
	p := propose(t, m)

	if _, err := m.Approve(p.ID, "operator"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	applied, err := m.Apply(p.ID, "operator")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied.Status != types.ProposalStatusApplied || applied.AppliedAt == nil {
		t.Errorf("unexpected applied proposal: %+v", applied)
	}

	if v, ok := cs.Get("database-agent.timeout"); !ok || v != 90 {
		t.Errorf("config not updated: %v %v", v, ok)
	}

	t.Run("apply is idempotent", func(t *testing.T) {
		if _, err := m.Apply(p.ID, "operator"); err != ErrAlreadyApplied {
			t.Errorf("expected ErrAlreadyApplied, got %v", err)
		}
	})

	t.Run("applied proposal no longer blocks new ones", func(t *testing.T) {
		if m.HasActive(p.Signature) {
			t.Error("applied proposal should not count as active")
		}
	})
}

func TestManager_InvalidTransitions(t *testing.T) {
	m, _ := newTestManager()

	t.Run("apply without approval", func(t *testing.T) {
		p := propose(t, m)
		_, err := m.Apply(p.ID, "operator")
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
		if ite.From != types.ProposalStatusProposed {
			t.Errorf("unexpected From: %s", ite.From)
		}
	})

	t.Run("approve a rejected proposal", func(t *testing.T) {
		p, err := m.Propose(
			types.NewPatternSignature("search-agent", types.ErrorKindCapability),
			"search-agent.max_retries", 2, 3, "r", "",
		)
		if err != nil {
			t.Fatalf("Propose failed: %v", err)
		}
		if _, err := m.Reject(p.ID, "operator"); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		var ite *InvalidTransitionError
		if _, err := m.Approve(p.ID, "operator"); !errors.As(err, &ite) {
			t.Errorf("expected InvalidTransitionError, got %v", err)
		}
	})

	t.Run("unknown proposal", func(t *testing.T) {
		if _, err := m.Approve("missing", ""); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

type failingConfigStore struct{ *MemoryConfigStore }

func (f *failingConfigStore) Set(path string, value float64) error {
	return errors.New("config backend down")
}

func TestManager_ApplyFailureLeavesApproved(t *testing.T) {
	cs := &failingConfigStore{MemoryConfigStore: NewMemoryConfigStore()}
	m := NewManager(cs, nil)
	p := propose(t, m)

	if _, err := m.Approve(p.ID, "operator"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := m.Apply(p.ID, "operator"); err == nil {
		t.Fatal("expected Apply to fail")
	}

	got, err := m.Get(p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.ProposalStatusApproved {
		t.Errorf("expected approved after failed apply, got %s", got.Status)
	}
}

func TestManager_List(t *testing.T) {
	m, _ := newTestManager()
	p1 := propose(t, m)
	p2, err := m.Propose(
		types.NewPatternSignature("search-agent", types.ErrorKindCapability),
		"search-agent.max_retries", 2, 3, "r", "",
	)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if _, err := m.Reject(p2.ID, "operator"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if got := len(m.List("")); got != 2 {
		t.Errorf("expected 2 proposals, got %d", got)
	}
	proposed := m.List(types.ProposalStatusProposed)
	if len(proposed) != 1 || proposed[0].ID != p1.ID {
		t.Errorf("unexpected filtered list: %+v", proposed)
	}
}
