package rules

import (
	"sync"

	"github.com/google/cel-go/cel"
)

// InMemoryProgramCache is a simple in-memory implementation of ProgramCache
// Thread-safe for concurrent access
type InMemoryProgramCache struct {
	programs map[string]cel.Program
	config   CacheConfig
	mu       sync.RWMutex
}

// NewInMemoryProgramCache creates a new in-memory program cache
func NewInMemoryProgramCache(config CacheConfig) *InMemoryProgramCache {
	return &InMemoryProgramCache{
		programs: make(map[string]cel.Program),
		config:   config,
	}
}

// Get retrieves a cached program
func (c *InMemoryProgramCache) Get(key string) (cel.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prog, ok := c.programs[key]
	return prog, ok
}

// Set stores a program, resetting the cache first when it is full
func (c *InMemoryProgramCache) Set(key string, prog cel.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.programs[key]; !exists && c.config.MaxEntries > 0 && len(c.programs) >= c.config.MaxEntries {
		c.programs = make(map[string]cel.Program)
	}
	c.programs[key] = prog
}

// Invalidate clears the cache
func (c *InMemoryProgramCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.programs = make(map[string]cel.Program)
}

// Len returns the number of cached programs
func (c *InMemoryProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.programs)
}
