package rules

import (
	"context"
	"time"
)

// Rule is a stored automation definition pairing a trigger with an action.
// Version increases on every mutation, including the engine's own
// LastTriggeredAt write-back.
type Rule struct {
	ID              string
	UserID          string
	Name            string
	Description     string
	Active          bool
	Priority        float64 // higher fires first
	Trigger         Trigger
	Action          Action
	CooldownSeconds *int64 // nil means no cooldown
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

// Clone returns a copy that shares no mutable state with r.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.CooldownSeconds != nil {
		v := *r.CooldownSeconds
		c.CooldownSeconds = &v
	}
	if r.LastTriggeredAt != nil {
		v := *r.LastTriggeredAt
		c.LastTriggeredAt = &v
	}
	c.Trigger = cloneTrigger(r.Trigger)
	c.Action = cloneAction(r.Action)
	return &c
}

// Cooldown returns the cooldown window as a duration; zero when unset.
func (r *Rule) Cooldown() time.Duration {
	if r.CooldownSeconds == nil {
		return 0
	}
	return time.Duration(*r.CooldownSeconds) * time.Second
}

// EvaluationContext is the point-in-time usage/mode snapshot rules are
// evaluated against. A dispatch pass clones it once and never mutates it.
type EvaluationContext struct {
	UserID string    `json:"userId,omitempty"`
	Now    time.Time `json:"now"`

	// PreviousEvaluationAt is when the previous pass for this user ran.
	// Zero means unknown; schedule triggers then fall back to a lookback window.
	PreviousEvaluationAt time.Time `json:"previousEvaluationAt,omitempty"`

	ActiveApp         string `json:"activeApp,omitempty"`
	PreviousActiveApp string `json:"previousActiveApp,omitempty"`
	ActiveCategory    string `json:"activeCategory,omitempty"`
	FocusMode         string `json:"focusMode,omitempty"`
	PreviousFocusMode string `json:"previousFocusMode,omitempty"`

	IdleSeconds          float64            `json:"idleSeconds"`
	TotalUsageSeconds    float64            `json:"totalUsageSeconds,omitempty"`
	AppUsageSeconds      map[string]float64 `json:"appUsageSeconds,omitempty"`
	CategoryUsageSeconds map[string]float64 `json:"categoryUsageSeconds,omitempty"`
	OpenApps             []string           `json:"openApps,omitempty"`

	// Attributes carries caller-defined values addressable as "attributes.<key>".
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone deep-copies the snapshot.
func (c *EvaluationContext) Clone() *EvaluationContext {
	if c == nil {
		return &EvaluationContext{}
	}
	out := *c
	out.AppUsageSeconds = copyDurations(c.AppUsageSeconds)
	out.CategoryUsageSeconds = copyDurations(c.CategoryUsageSeconds)
	if c.OpenApps != nil {
		out.OpenApps = append([]string(nil), c.OpenApps...)
	}
	if c.Attributes != nil {
		out.Attributes = make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = cloneValue(v)
		}
	}
	return &out
}

// GlobalUsageSeconds is TotalUsageSeconds when reported, otherwise the sum
// of per-app usage.
func (c *EvaluationContext) GlobalUsageSeconds() float64 {
	if c.TotalUsageSeconds > 0 {
		return c.TotalUsageSeconds
	}
	var total float64
	for _, v := range c.AppUsageSeconds {
		total += v
	}
	return total
}

func copyDurations(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Firing is what the dispatch loop hands to an Executor for one rule.
type Firing struct {
	RuleID   string
	RuleName string
	UserID   string
	Action   Action
	Context  *EvaluationContext
	FiredAt  time.Time
}

// Executor performs the side effect of a resolved action.
type Executor interface {
	Execute(ctx context.Context, f Firing) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, f Firing) error

// Execute calls fn.
func (fn ExecutorFunc) Execute(ctx context.Context, f Firing) error {
	return fn(ctx, f)
}

// ContextProvider supplies the snapshot a pass evaluates against.
type ContextProvider interface {
	Snapshot(ctx context.Context, userID string) (*EvaluationContext, error)
}

// SnapshotCommitter is implemented by providers whose snapshots carry the
// previous pass's values. Commit is called with the snapshot of a pass
// that completed without aborting.
type SnapshotCommitter interface {
	Commit(userID string, ec *EvaluationContext)
}

// FiredRule records a successful executor invocation.
type FiredRule struct {
	RuleID string     `json:"ruleId"`
	Action ActionKind `json:"action"`
}

// PassResult is the outcome of one dispatch pass.
type PassResult struct {
	UserID      string      `json:"userId"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
	Evaluated   int         `json:"evaluated"`
	Matched     []string    `json:"matched"`
	Skipped     []string    `json:"skipped"` // matched but dropped by the gate
	Fired       []FiredRule `json:"fired"`
	Errors      []RuleError `json:"errors"`
	Aborted     bool        `json:"aborted"` // caller cancelled between rules
}

// FiredRuleIDs lists fired rule IDs in firing order.
func (p *PassResult) FiredRuleIDs() []string {
	ids := make([]string, 0, len(p.Fired))
	for _, f := range p.Fired {
		ids = append(ids, f.RuleID)
	}
	return ids
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
