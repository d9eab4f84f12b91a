package registry

import (
	"encoding/json"
	"testing"
)

func TestPublicNameSanitizesDots(t *testing.T) {
	got := PublicName("my.server", "do.thing")
	want := "my_server_do_thing"
	if got != want {
		t.Errorf("PublicName = %q, want %q", got, want)
	}
}

func TestRegisterToolsNoCollision(t *testing.T) {
	var events []Kind
	r := New(func(k Kind) { events = append(events, k) })

	r.RegisterTools("a", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "foo"}})

	rec, ok := r.ResolveTool("a_foo")
	if !ok {
		t.Fatal("expected a_foo to resolve")
	}
	if rec.ServerID != "a" || rec.OriginalName != "foo" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(events) != 1 || events[0] != KindTool {
		t.Errorf("expected one KindTool change event, got %v", events)
	}
}

func TestRegisterToolsCollisionRejectsSecond(t *testing.T) {
	r := New(nil)
	r.RegisterTools("a", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "foo"}})

	// Renaming server "b" to "a" produces a second registration of a_foo.
	collisions := r.RegisterTools("a", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "foo"}})

	if len(collisions) != 1 {
		t.Fatalf("expected 1 collision, got %d", len(collisions))
	}
	rec, _ := r.ResolveTool("a_foo")
	if rec.ServerID != "a" {
		t.Errorf("first-won record should remain")
	}
}

func TestUnregisterAllRemovesOnlyThatServer(t *testing.T) {
	r := New(nil)
	r.RegisterTools("a", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "foo"}})
	r.RegisterTools("b", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "bar"}})

	r.UnregisterAll("a")

	if _, ok := r.ResolveTool("a_foo"); ok {
		t.Error("expected a_foo removed")
	}
	if _, ok := r.ResolveTool("b_bar"); !ok {
		t.Error("expected b_bar to remain")
	}
}

func TestResourcesKeyedByURI(t *testing.T) {
	r := New(nil)
	r.RegisterResources("a", []struct {
		URI        string
		Descriptor json.RawMessage
	}{{URI: "file:///x"}})

	rec, ok := r.ResolveResource("file:///x")
	if !ok || rec.ServerID != "a" {
		t.Fatalf("expected resource to resolve to server a, got %+v ok=%v", rec, ok)
	}
}

func TestCountsReflectsAllThreeMaps(t *testing.T) {
	r := New(nil)
	r.RegisterTools("a", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "t"}})
	r.RegisterPrompts("a", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "p"}})
	r.RegisterResources("a", []struct {
		URI        string
		Descriptor json.RawMessage
	}{{URI: "u"}})

	tc, rc, pc := r.Counts()
	if tc != 1 || rc != 1 || pc != 1 {
		t.Errorf("Counts = %d,%d,%d, want 1,1,1", tc, rc, pc)
	}
}
