package chunkstream

import "sync"

// ToolCallRegistry tracks the tool call IDs announced during a single
// streamed turn and the tool name each resolves to. Registration is
// first-writer-wins: later chunks that reuse an ID cannot rebind it.
//
// A registry is scoped to one turn. Callers create a fresh registry per
// turn rather than resetting an old one.
type ToolCallRegistry struct {
	mu    sync.Mutex
	names map[string]string
}

// NewToolCallRegistry creates an empty registry.
func NewToolCallRegistry() *ToolCallRegistry {
	return &ToolCallRegistry{names: make(map[string]string)}
}

// Register binds a tool call ID to a tool name. If the ID is already
// registered the call is a no-op and the original binding is kept.
func (r *ToolCallRegistry) Register(id, name string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[id]; ok {
		return
	}
	r.names[id] = name
}

// Lookup returns the tool name bound to id, and whether it is registered.
func (r *ToolCallRegistry) Lookup(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[id]
	return name, ok
}

// Len returns the number of registered tool call IDs.
func (r *ToolCallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}
