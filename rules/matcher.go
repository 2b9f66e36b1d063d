package rules

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultScheduleLookback is the schedule window used when the snapshot
	// does not say when the previous pass ran.
	DefaultScheduleLookback = time.Minute

	// maxScheduleWindow caps how far back missed ticks are searched.
	maxScheduleWindow = 24 * time.Hour
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Matcher decides whether a trigger is satisfied by a snapshot.
type Matcher struct {
	evaluator *ConditionEvaluator
	lookback  time.Duration
	schedules sync.Map // cron expression -> cron.Schedule
}

// NewMatcher creates a matcher. A nil evaluator uses the shared default and
// a non-positive lookback uses DefaultScheduleLookback.
func NewMatcher(evaluator *ConditionEvaluator, lookback time.Duration) *Matcher {
	if evaluator == nil {
		evaluator = defaultEvaluator
	}
	if lookback <= 0 {
		lookback = DefaultScheduleLookback
	}
	return &Matcher{evaluator: evaluator, lookback: lookback}
}

// Matches reports whether t currently holds for ectx.
func (m *Matcher) Matches(t Trigger, ectx *EvaluationContext) bool {
	if t == nil || ectx == nil {
		return false
	}
	switch tr := t.(type) {
	case *ThresholdTrigger:
		return thresholdMet(tr, ectx)
	case *ScheduleTrigger:
		_, ok := m.ScheduleWindow(tr.CronExpression, ectx)
		return ok
	case *ModeTransitionTrigger:
		if ectx.FocusMode != tr.ToMode || ectx.PreviousFocusMode == ectx.FocusMode {
			return false
		}
		return tr.FromMode == "" || tr.FromMode == ectx.PreviousFocusMode
	case *CompositeTrigger:
		for _, c := range tr.Conditions {
			if !m.evaluator.Evaluate(c, ectx) {
				return false
			}
		}
		return true
	case *IdleTrigger:
		return ectx.IdleSeconds >= tr.IdleThresholdSeconds
	case *AppOpenedTrigger:
		return ectx.ActiveApp == tr.AppName && ectx.PreviousActiveApp != tr.AppName
	}
	return false
}

// MatchesRule is Matches plus per-rule schedule dedup: a schedule tick the
// rule already fired for does not match again.
func (m *Matcher) MatchesRule(r *Rule, ectx *EvaluationContext) bool {
	if r == nil || ectx == nil {
		return false
	}
	st, ok := r.Trigger.(*ScheduleTrigger)
	if !ok {
		return m.Matches(r.Trigger, ectx)
	}
	tick, ok := m.ScheduleWindow(st.CronExpression, ectx)
	if !ok {
		return false
	}
	return r.LastTriggeredAt == nil || tick.After(*r.LastTriggeredAt)
}

// ScheduleWindow returns the most recent tick of expr in
// (PreviousEvaluationAt, Now]. Without a previous pass the window starts
// one lookback before Now. The tick identifies the window, so callers can
// tell two passes inside the same window apart from a new one.
func (m *Matcher) ScheduleWindow(expr string, ectx *EvaluationContext) (time.Time, bool) {
	if ectx == nil || ectx.Now.IsZero() {
		return time.Time{}, false
	}
	sched, err := m.schedule(expr)
	if err != nil {
		return time.Time{}, false
	}

	now := ectx.Now
	from := ectx.PreviousEvaluationAt
	if from.IsZero() {
		from = now.Add(-m.lookback)
	}
	if !from.Before(now) {
		return time.Time{}, false
	}
	if earliest := now.Add(-maxScheduleWindow); from.Before(earliest) {
		from = earliest
	}

	var last time.Time
	for t := sched.Next(from.In(now.Location())); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		last = t
	}
	return last, !last.IsZero()
}

func (m *Matcher) schedule(expr string) (cron.Schedule, error) {
	if s, ok := m.schedules.Load(expr); ok {
		return s.(cron.Schedule), nil
	}
	s, err := parseSchedule(expr)
	if err != nil {
		return nil, err
	}
	m.schedules.Store(expr, s)
	return s, nil
}

func thresholdMet(t *ThresholdTrigger, ectx *EvaluationContext) bool {
	if len(t.AppNames) == 0 && len(t.Categories) == 0 {
		return ectx.GlobalUsageSeconds() >= t.ThresholdSeconds
	}
	if len(t.AppNames) > 0 && sumUsage(ectx.AppUsageSeconds, t.AppNames) >= t.ThresholdSeconds {
		return true
	}
	return len(t.Categories) > 0 && sumUsage(ectx.CategoryUsageSeconds, t.Categories) >= t.ThresholdSeconds
}

func sumUsage(usage map[string]float64, keys []string) float64 {
	var total float64
	for _, k := range keys {
		total += usage[k]
	}
	return total
}
