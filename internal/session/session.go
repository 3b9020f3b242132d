// Package session carries the caller-owned context of one intent run: who is
// asking, which facts were remembered in earlier turns, and where new facts
// should be written.
package session

import (
	"context"

	"OpenMCP-Intent/internal/llm"
)

// Memory is the write side of the externally owned session store.
type Memory interface {
	Remember(ctx context.Context, key string, value any) error
}

// MemoryFunc adapts a function to Memory.
type MemoryFunc func(ctx context.Context, key string, value any) error

// Remember implements Memory.
func (f MemoryFunc) Remember(ctx context.Context, key string, value any) error {
	return f(ctx, key, value)
}

// Context is forwarded unchanged to every tool handler and to the memory
// projector. MemoryFacts is the snapshot read once when the run starts.
type Context struct {
	SessionID   string         `json:"session_id,omitempty"`
	Wallet      string         `json:"wallet,omitempty"`
	MemoryFacts map[string]any `json:"memory_facts,omitempty"`
	History     []llm.Message  `json:"history,omitempty"`
	Values      map[string]any `json:"values,omitempty"`
	Memory      Memory         `json:"-"`
}

// Fact returns a remembered fact from the run-start snapshot.
func (c Context) Fact(key string) (any, bool) {
	if c.MemoryFacts == nil {
		return nil, false
	}
	v, ok := c.MemoryFacts[key]
	return v, ok
}

// Value returns an opaque caller value.
func (c Context) Value(key string) (any, bool) {
	if c.Values == nil {
		return nil, false
	}
	v, ok := c.Values[key]
	return v, ok
}
