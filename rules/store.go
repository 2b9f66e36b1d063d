package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval. Stores own Version:
// Create stores the version it is given, Update and MarkTriggered bump it.
// An expectedVersion of 0 makes a write unconditional; any other value must
// equal the stored version or the write fails with ErrVersionConflict.
type RuleStore interface {
	// List returns every rule owned by userID, active or not.
	List(ctx context.Context, userID string) ([]*Rule, error)

	// Get returns a rule by ID or ErrRuleNotFound.
	Get(ctx context.Context, id string) (*Rule, error)

	// Create inserts a new rule.
	Create(ctx context.Context, rule *Rule) error

	// Update replaces the user-editable fields of an existing rule.
	// LastTriggeredAt and CreatedAt are preserved from the stored copy.
	Update(ctx context.Context, rule *Rule, expectedVersion int64) (*Rule, error)

	// Delete removes a rule; ErrRuleNotFound when absent.
	Delete(ctx context.Context, userID, id string) error

	// MarkTriggered records a firing.
	MarkTriggered(ctx context.Context, userID, id string, at time.Time, expectedVersion int64) error
}

// UserLister is implemented by stores that can enumerate rule owners.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map
// Thread-safe with RWMutex
type InMemoryRuleStore struct {
	rules map[string]*Rule
	clock Clock
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
		clock: SystemClock{},
	}
}

// WithClock sets the clock used for UpdatedAt stamps.
func (s *InMemoryRuleStore) WithClock(c Clock) *InMemoryRuleStore {
	s.clock = c
	return s
}

// List returns copies of the user's rules ordered by CreatedAt
func (s *InMemoryRuleStore) List(_ context.Context, userID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.UserID == userID {
			out = append(out, rule.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get retrieves a copy of a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// Create adds a new rule to the store
// Enforces unique rule IDs and stamps missing timestamps
func (s *InMemoryRuleStore) Create(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}

	now := s.clock.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Update replaces an existing rule and bumps its version
// Preserves CreatedAt and LastTriggeredAt
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule, expectedVersion int64) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists || existing.UserID != rule.UserID {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if expectedVersion != 0 && existing.Version != expectedVersion {
		return nil, fmt.Errorf("rule %s at version %d, expected %d: %w",
			rule.ID, existing.Version, expectedVersion, ErrVersionConflict)
	}

	updated := rule.Clone()
	updated.CreatedAt = existing.CreatedAt
	updated.LastTriggeredAt = existing.Clone().LastTriggeredAt
	updated.UpdatedAt = s.clock.Now()
	updated.Version = existing.Version + 1
	s.rules[rule.ID] = updated
	return updated.Clone(), nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists || existing.UserID != userID {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}

// MarkTriggered stamps LastTriggeredAt and bumps the version
func (s *InMemoryRuleStore) MarkTriggered(_ context.Context, userID, id string, at time.Time, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists || existing.UserID != userID {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if expectedVersion != 0 && existing.Version != expectedVersion {
		return fmt.Errorf("rule %s at version %d, expected %d: %w",
			id, existing.Version, expectedVersion, ErrVersionConflict)
	}

	stamp := at
	existing.LastTriggeredAt = &stamp
	existing.Version++
	return nil
}

// ListUserIDs returns every user owning at least one rule, sorted
func (s *InMemoryRuleStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, rule := range s.rules {
		if !seen[rule.UserID] {
			seen[rule.UserID] = true
			ids = append(ids, rule.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
