package replay

import (
	"testing"

	durable "github.com/goliatone/go-durable"
)

func TestRegistryAddAndLookup(t *testing.T) {
	registry := NewRegistry()

	if err := registry.AddOrchestrator("flow", func(ctx *OrchestrationContext) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("add orchestrator: %v", err)
	}
	if err := registry.AddActivity("step", func(ctx *ActivityContext) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("add activity: %v", err)
	}

	if _, ok := registry.Orchestrator("flow"); !ok {
		t.Fatal("orchestrator lookup failed")
	}
	if _, ok := registry.Activity("step"); !ok {
		t.Fatal("activity lookup failed")
	}
	if _, ok := registry.Orchestrator("missing"); ok {
		t.Fatal("unexpected orchestrator hit")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	fn := func(ctx *OrchestrationContext) (any, error) { return nil, nil }

	if err := registry.AddOrchestrator("flow", fn); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := registry.AddOrchestrator("flow", fn)
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if durable.ErrorCode(err) != durable.ErrCodeDuplicateHandler {
		t.Fatalf("unexpected code %q", durable.ErrorCode(err))
	}
}

func TestRegistryRejectsEmptyNames(t *testing.T) {
	registry := NewRegistry()
	if err := registry.AddOrchestrator("  ", func(ctx *OrchestrationContext) (any, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := registry.AddActivity("", func(ctx *ActivityContext) (any, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("expected empty name error")
	}
}
