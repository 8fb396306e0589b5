package gateway

import (
	"log/slog"
	"sync"
)

// SpaceRegistry owns in-memory spaces and provides stable handles for each,
// keyed by space id. Each Space holds only its own membership; the
// capability registry and proposal tracker are not part of it.
type SpaceRegistry struct {
	log *slog.Logger

	mu     sync.RWMutex
	spaces map[string]*Space
}

// NewSpaceRegistry constructs a SpaceRegistry.
func NewSpaceRegistry(log *slog.Logger) *SpaceRegistry {
	return &SpaceRegistry{log: log, spaces: make(map[string]*Space)}
}

// GetOrCreateSpace returns a stable in-memory space handle for id.
func (r *SpaceRegistry) GetOrCreateSpace(id string) *Space {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.spaces[id]; ok {
		return s
	}

	s := NewSpace(r.log, id)
	r.spaces[id] = s
	return s
}
