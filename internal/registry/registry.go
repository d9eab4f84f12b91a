// Package registry is the hub's capability registry: it ingests the
// tool/resource/prompt catalogs of every upstream server, assigns
// collision-free public names, and resolves a public name back to its
// owning server and original name.
package registry

import (
	"encoding/json"
	"strings"
	"sync"
)

// Kind identifies which of the three capability maps a record belongs to.
type Kind int

const (
	KindTool Kind = iota
	KindResource
	KindPrompt
)

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindResource:
		return "resource"
	case KindPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Record is one registered capability: the owning server, its original
// name (or URI, for resources), the hub-assigned public name, and the raw
// descriptor JSON returned by the upstream (re-served verbatim in list
// responses, aside from the name substitution).
type Record struct {
	ServerID     string
	OriginalName string
	PublicName   string
	Descriptor   json.RawMessage
}

// PublicName derives the hub's collision-free public name for a capability
// owned by serverID. Dots in either component are flattened to underscores
// so the name is safe to use as a plain identifier downstream.
func PublicName(serverID, originalName string) string {
	return sanitize(serverID) + "_" + sanitize(originalName)
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// Registry holds the three capability maps plus a per-server inverse index
// for bulk removal on disconnect. Resources are keyed by URI rather than a
// generated public name, since URIs are already globally unique.
type Registry struct {
	mu sync.Mutex

	tools     map[string]*Record // publicName -> record
	resources map[string]*Record // URI -> record
	prompts   map[string]*Record // publicName -> record

	byServer map[string][]serverEntry

	onChange func(kind Kind)
}

type serverEntry struct {
	kind Kind
	key  string
}

// New creates an empty registry. onChange, if non-nil, is invoked
// (synchronously, under no lock) after every mutation that adds or removes
// at least one record of the given kind, so the caller can fan out a
// listChanged notification.
func New(onChange func(kind Kind)) *Registry {
	return &Registry{
		tools:     make(map[string]*Record),
		resources: make(map[string]*Record),
		prompts:   make(map[string]*Record),
		byServer:  make(map[string][]serverEntry),
		onChange:  onChange,
	}
}

// CollisionError reports a rejected registration because its public name
// (or, for resources, URI) was already claimed by an earlier registration.
type CollisionError struct {
	Kind       Kind
	PublicName string
	ServerID   string
}

func (e *CollisionError) Error() string {
	return e.Kind.String() + " " + e.PublicName + " from server " + e.ServerID + " collides with an existing registration"
}

// RegisterTools registers serverID's tool catalog. Each tool's public name
// is {serverID}_{originalName}; a name already claimed by another server is
// rejected individually (first-won wins) without failing the rest of the
// batch. Returns the collisions encountered, if any.
func (r *Registry) RegisterTools(serverID string, tools []struct {
	Name       string
	Descriptor json.RawMessage
}) []*CollisionError {
	r.mu.Lock()
	var collisions []*CollisionError
	changed := false
	for _, t := range tools {
		pub := PublicName(serverID, t.Name)
		if _, exists := r.tools[pub]; exists {
			collisions = append(collisions, &CollisionError{Kind: KindTool, PublicName: pub, ServerID: serverID})
			continue
		}
		r.tools[pub] = &Record{ServerID: serverID, OriginalName: t.Name, PublicName: pub, Descriptor: t.Descriptor}
		r.byServer[serverID] = append(r.byServer[serverID], serverEntry{kind: KindTool, key: pub})
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.notify(KindTool)
	}
	return collisions
}

// RegisterPrompts registers serverID's prompt catalog. Same collision
// semantics as RegisterTools.
func (r *Registry) RegisterPrompts(serverID string, prompts []struct {
	Name       string
	Descriptor json.RawMessage
}) []*CollisionError {
	r.mu.Lock()
	var collisions []*CollisionError
	changed := false
	for _, p := range prompts {
		pub := PublicName(serverID, p.Name)
		if _, exists := r.prompts[pub]; exists {
			collisions = append(collisions, &CollisionError{Kind: KindPrompt, PublicName: pub, ServerID: serverID})
			continue
		}
		r.prompts[pub] = &Record{ServerID: serverID, OriginalName: p.Name, PublicName: pub, Descriptor: p.Descriptor}
		r.byServer[serverID] = append(r.byServer[serverID], serverEntry{kind: KindPrompt, key: pub})
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.notify(KindPrompt)
	}
	return collisions
}

// RegisterResources registers serverID's resource catalog. Resources are
// keyed by their URI, which is assumed globally unique; a URI already
// registered by another server is rejected as a collision.
func (r *Registry) RegisterResources(serverID string, resources []struct {
	URI        string
	Descriptor json.RawMessage
}) []*CollisionError {
	r.mu.Lock()
	var collisions []*CollisionError
	changed := false
	for _, res := range resources {
		if _, exists := r.resources[res.URI]; exists {
			collisions = append(collisions, &CollisionError{Kind: KindResource, PublicName: res.URI, ServerID: serverID})
			continue
		}
		r.resources[res.URI] = &Record{ServerID: serverID, OriginalName: res.URI, PublicName: res.URI, Descriptor: res.Descriptor}
		r.byServer[serverID] = append(r.byServer[serverID], serverEntry{kind: KindResource, key: res.URI})
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.notify(KindResource)
	}
	return collisions
}

// UnregisterAll removes every record owned by serverID across all three
// maps. Called on any transition out of ACTIVE/IDLING.
func (r *Registry) UnregisterAll(serverID string) {
	r.mu.Lock()
	entries := r.byServer[serverID]
	delete(r.byServer, serverID)

	kindsChanged := map[Kind]bool{}
	for _, e := range entries {
		switch e.kind {
		case KindTool:
			delete(r.tools, e.key)
		case KindResource:
			delete(r.resources, e.key)
		case KindPrompt:
			delete(r.prompts, e.key)
		}
		kindsChanged[e.kind] = true
	}
	r.mu.Unlock()

	for k := range kindsChanged {
		r.notify(k)
	}
}

func (r *Registry) notify(kind Kind) {
	if r.onChange != nil {
		r.onChange(kind)
	}
}

// ResolveTool resolves a public tool name to its owning server and original
// name. ok is false on miss.
func (r *Registry) ResolveTool(publicName string) (rec *Record, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.tools[publicName]
	return
}

// ResolvePrompt resolves a public prompt name. ok is false on miss.
func (r *Registry) ResolvePrompt(publicName string) (rec *Record, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.prompts[publicName]
	return
}

// ResolveResource resolves a resource URI. ok is false on miss.
func (r *Registry) ResolveResource(uri string) (rec *Record, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.resources[uri]
	return
}

// ListTools returns every registered tool descriptor, by public name.
func (r *Registry) ListTools() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.tools))
	for _, rec := range r.tools {
		out = append(out, rec)
	}
	return out
}

// ListPrompts returns every registered prompt descriptor, by public name.
func (r *Registry) ListPrompts() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.prompts))
	for _, rec := range r.prompts {
		out = append(out, rec)
	}
	return out
}

// ListResources returns every registered resource descriptor, by URI.
func (r *Registry) ListResources() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.resources))
	for _, rec := range r.resources {
		out = append(out, rec)
	}
	return out
}

// Counts reports the current size of each map, for diagnostics/metrics.
func (r *Registry) Counts() (tools, resources, prompts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools), len(r.resources), len(r.prompts)
}
