package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) // a Monday

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingExecutor records firings and fails for the configured rule IDs.
type recordingExecutor struct {
	mu      sync.Mutex
	firings []Firing
	failFor map[string]error
}

func (e *recordingExecutor) Execute(_ context.Context, f Firing) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.firings = append(e.firings, f)
	if err, ok := e.failFor[f.RuleID]; ok {
		return err
	}
	return nil
}

func (e *recordingExecutor) ruleIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.firings))
	for _, f := range e.firings {
		ids = append(ids, f.RuleID)
	}
	return ids
}

// faultyStore wraps a RuleStore and injects errors.
type faultyStore struct {
	RuleStore
	listErr error
	markErr error
}

func (s *faultyStore) List(ctx context.Context, userID string) ([]*Rule, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.RuleStore.List(ctx, userID)
}

func (s *faultyStore) MarkTriggered(ctx context.Context, userID, id string, at time.Time, expectedVersion int64) error {
	if s.markErr != nil {
		return s.markErr
	}
	return s.RuleStore.MarkTriggered(ctx, userID, id, at, expectedVersion)
}

func int64Ptr(v int64) *int64 { return &v }

func chromeRule(id string, priority float64) *Rule {
	return &Rule{
		ID:              id,
		UserID:          "user-1",
		Name:            "Chrome break " + id,
		Active:          true,
		Priority:        priority,
		Trigger:         &ThresholdTrigger{ThresholdSeconds: 1800, AppNames: []string{"Chrome"}},
		Action:          &NotifyAction{Title: "Break", Message: "Time for a break"},
		CooldownSeconds: int64Ptr(60),
		CreatedAt:       baseTime.Add(-time.Hour),
		UpdatedAt:       baseTime.Add(-time.Hour),
		Version:         1,
	}
}

func mustCreate(t *testing.T, store RuleStore, rules ...*Rule) {
	t.Helper()
	for _, r := range rules {
		if err := store.Create(context.Background(), r); err != nil {
			t.Fatalf("Create(%s) failed: %v", r.ID, err)
		}
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errBoom = errors.New("boom")
