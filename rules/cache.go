package rules

import "github.com/google/cel-go/cel"

// ProgramCache holds compiled condition programs keyed by
// operator and operand types. This allows swapping the in-memory
// implementation for a bounded or shared one.
type ProgramCache interface {
	// Get returns the cached program, or false on a miss.
	Get(key string) (cel.Program, bool)

	// Set stores a compiled program.
	Set(key string, prog cel.Program)

	// Invalidate drops every entry.
	Invalidate()

	// Len reports the number of cached programs.
	Len() int
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// MaxEntries bounds the cache. When full the cache is reset before the
	// next insert. Zero means unbounded.
	MaxEntries int
}

// DefaultCacheConfig returns the defaults used by NewConditionEvaluator.
// There are at most a few hundred operator/type combinations.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 512,
	}
}
