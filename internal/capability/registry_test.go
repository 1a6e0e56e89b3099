package capability

import (
	"context"
	"testing"
)

func echoCapability() Capability {
	return Func(func(ctx context.Context, inv *Invocation) (Result, error) {
		return Result{"echo": inv.AgentName}, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	t.Run("registers new capability", func(t *testing.T) {
		if err := reg.Register("echo", "echoes its input", echoCapability()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if !reg.Exists("echo") {
			t.Error("echo should exist after registration")
		}
	})

	t.Run("rejects duplicate type tag", func(t *testing.T) {
		err := reg.Register("echo", "again", echoCapability())
		if err != ErrExists {
			t.Errorf("expected ErrExists, got %v", err)
		}
	})

	t.Run("rejects empty type tag", func(t *testing.T) {
		if err := reg.Register("", "no tag", echoCapability()); err == nil {
			t.Error("expected error for empty type tag")
		}
	})

	t.Run("rejects nil implementation", func(t *testing.T) {
		if err := reg.Register("nil-cap", "none", nil); err == nil {
			t.Error("expected error for nil implementation")
		}
	})
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	if err := reg.Register("echo", "", echoCapability()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("resolves registered capability", func(t *testing.T) {
		cap, err := reg.Resolve("echo")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}

		res, err := cap.Execute(context.Background(), &Invocation{AgentName: "a"})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res["echo"] != "a" {
			t.Errorf("unexpected result: %v", res)
		}
	})

	t.Run("returns ErrNotFound for unknown tag", func(t *testing.T) {
		_, err := reg.Resolve("missing")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	reg.Register("search", "", echoCapability())
	reg.Register("analyze", "", echoCapability())
	reg.Register("codegen", "", echoCapability())

	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(infos))
	}

	// Sorted by type tag.
	want := []string{"analyze", "codegen", "search"}
	for i, info := range infos {
		if info.Type != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], info.Type)
		}
		if info.RegisteredAt.IsZero() {
			t.Errorf("%s: RegisteredAt should be set", info.Type)
		}
	}
}
