package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/internal/logger"
)

// ConcurrencyPolicy decides how Update treats the caller's version.
type ConcurrencyPolicy string

const (
	// PolicyLastWriteWins applies updates regardless of version.
	PolicyLastWriteWins ConcurrencyPolicy = "last-write-wins"

	// PolicyOptimistic requires the caller's version and rejects stale
	// writes with ErrVersionConflict.
	PolicyOptimistic ConcurrencyPolicy = "optimistic"
)

// ParseConcurrencyPolicy maps a config string to a policy.
func ParseConcurrencyPolicy(s string) (ConcurrencyPolicy, error) {
	switch ConcurrencyPolicy(s) {
	case "", PolicyLastWriteWins:
		return PolicyLastWriteWins, nil
	case PolicyOptimistic:
		return PolicyOptimistic, nil
	}
	return "", fmt.Errorf("unknown concurrency policy %q", s)
}

// RuleDefinition is the caller-supplied content of a new rule. Nil
// pointers take defaults: active, priority 0, no cooldown.
type RuleDefinition struct {
	ID              string
	Name            string
	Description     string
	IsActive        *bool
	Priority        *float64
	Trigger         Trigger
	Action          Action
	CooldownSeconds *int64
}

// RulePatch is a partial update. Nil fields are left unchanged.
type RulePatch struct {
	Name            *string
	Description     *string
	IsActive        *bool
	Priority        *float64
	Trigger         Trigger
	Action          Action
	CooldownSeconds *int64
	ClearCooldown   bool

	// Version is the version the caller last read; 0 means unknown.
	Version int64
}

// Manager enforces rule invariants on create, update and delete.
type Manager struct {
	store  RuleStore
	clock  Clock
	policy ConcurrencyPolicy
	log    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy sets the concurrency policy for Update.
func WithPolicy(p ConcurrencyPolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithManagerClock sets the clock used for CreatedAt.
func WithManagerClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a lifecycle manager over store.
func NewManager(store RuleStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		clock:  SystemClock{},
		policy: PolicyLastWriteWins,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Logger
	}
	return m
}

// Policy returns the configured concurrency policy.
func (m *Manager) Policy() ConcurrencyPolicy { return m.policy }

// Create validates def and stores it as a new rule at version 1.
func (m *Manager) Create(ctx context.Context, userID string, def RuleDefinition) (*Rule, error) {
	id := def.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.clock.Now()
	r := &Rule{
		ID:              id,
		UserID:          userID,
		Name:            def.Name,
		Description:     def.Description,
		Active:          true,
		Trigger:         def.Trigger,
		Action:          def.Action,
		CooldownSeconds: def.CooldownSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	if def.IsActive != nil {
		r.Active = *def.IsActive
	}
	if def.Priority != nil {
		r.Priority = *def.Priority
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	r = r.Clone()

	if err := m.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	m.log.Info("rule created", "rule_id", r.ID, "user_id", userID, "trigger", r.Trigger.Kind(), "action", r.Action.Kind())
	return r, nil
}

// Get returns a rule owned by userID.
func (m *Manager) Get(ctx context.Context, userID, id string) (*Rule, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return r, nil
}

// List returns all rules owned by userID.
func (m *Manager) List(ctx context.Context, userID string) ([]*Rule, error) {
	return m.store.List(ctx, userID)
}

// Update applies patch to a rule. Under PolicyOptimistic the patch must
// carry the current version.
func (m *Manager) Update(ctx context.Context, userID, id string, patch RulePatch) (*Rule, error) {
	if m.policy == PolicyOptimistic && patch.Version == 0 {
		return nil, configErr("version", "version is required")
	}
	current, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if m.policy == PolicyOptimistic && patch.Version != current.Version {
		return nil, fmt.Errorf("rule %s at version %d, got %d: %w", id, current.Version, patch.Version, ErrVersionConflict)
	}

	next := current.Clone()
	applyPatch(next, patch)
	if err := Validate(next); err != nil {
		return nil, err
	}

	var expected int64
	if m.policy == PolicyOptimistic {
		expected = patch.Version
	}
	updated, err := m.store.Update(ctx, next, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	m.log.Info("rule updated", "rule_id", id, "user_id", userID, "version", updated.Version)
	return updated, nil
}

func applyPatch(r *Rule, p RulePatch) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.IsActive != nil {
		r.Active = *p.IsActive
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Trigger != nil {
		r.Trigger = cloneTrigger(p.Trigger)
	}
	if p.Action != nil {
		r.Action = cloneAction(p.Action)
	}
	switch {
	case p.ClearCooldown:
		r.CooldownSeconds = nil
	case p.CooldownSeconds != nil:
		v := *p.CooldownSeconds
		r.CooldownSeconds = &v
	}
}

// SetActive toggles a rule's activation flag.
func (m *Manager) SetActive(ctx context.Context, userID, id string, active bool) (*Rule, error) {
	r, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return m.Update(ctx, userID, id, RulePatch{IsActive: &active, Version: r.Version})
}

// Disable deactivates a rule by ID alone, as requested by a
// disable-rule deep link. Disabling an inactive rule is a no-op.
func (m *Manager) Disable(ctx context.Context, id string) (*Rule, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return r, nil
	}
	return m.SetActive(ctx, r.UserID, id, false)
}

// Delete removes a rule. Deleting an absent rule succeeds.
func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	err := m.store.Delete(ctx, userID, id)
	if errors.Is(err, ErrRuleNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	m.log.Info("rule deleted", "rule_id", id, "user_id", userID)
	return nil
}
