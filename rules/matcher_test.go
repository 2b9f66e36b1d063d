package rules

import (
	"testing"
	"time"
)

func TestMatcher_Threshold(t *testing.T) {
	m := NewMatcher(nil, 0)
	ectx := &EvaluationContext{
		Now:                  baseTime,
		AppUsageSeconds:      map[string]float64{"Chrome": 1200, "Firefox": 700},
		CategoryUsageSeconds: map[string]float64{"Social": 100},
	}

	tests := []struct {
		name    string
		trigger *ThresholdTrigger
		want    bool
	}{
		{"single app below", &ThresholdTrigger{ThresholdSeconds: 1800, AppNames: []string{"Chrome"}}, false},
		{"apps are summed", &ThresholdTrigger{ThresholdSeconds: 1800, AppNames: []string{"Chrome", "Firefox"}}, true},
		{"exactly at threshold", &ThresholdTrigger{ThresholdSeconds: 1200, AppNames: []string{"Chrome"}}, true},
		{"category scope", &ThresholdTrigger{ThresholdSeconds: 60, Categories: []string{"Social"}}, true},
		{"unknown category", &ThresholdTrigger{ThresholdSeconds: 60, Categories: []string{"Games"}}, false},
		{"either scope may match", &ThresholdTrigger{ThresholdSeconds: 60, AppNames: []string{"Zoom"}, Categories: []string{"Social"}}, true},
		{"global usage", &ThresholdTrigger{ThresholdSeconds: 1900}, true},
		{"global usage below", &ThresholdTrigger{ThresholdSeconds: 1901}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Matches(tt.trigger, ectx); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatcher_GlobalUsagePrefersReportedTotal(t *testing.T) {
	m := NewMatcher(nil, 0)
	ectx := &EvaluationContext{
		Now:               baseTime,
		TotalUsageSeconds: 5000,
		AppUsageSeconds:   map[string]float64{"Chrome": 10},
	}
	if !m.Matches(&ThresholdTrigger{ThresholdSeconds: 4000}, ectx) {
		t.Error("global threshold should use TotalUsageSeconds when reported")
	}
}

func TestMatcher_ModeTransition(t *testing.T) {
	m := NewMatcher(nil, 0)

	tests := []struct {
		name     string
		trigger  *ModeTransitionTrigger
		previous string
		current  string
		want     bool
	}{
		{"exact transition", &ModeTransitionTrigger{FromMode: "normal", ToMode: "deep-work"}, "normal", "deep-work", true},
		{"wrong origin", &ModeTransitionTrigger{FromMode: "meeting", ToMode: "deep-work"}, "normal", "deep-work", false},
		{"any origin", &ModeTransitionTrigger{ToMode: "deep-work"}, "meeting", "deep-work", true},
		{"no change", &ModeTransitionTrigger{ToMode: "deep-work"}, "deep-work", "deep-work", false},
		{"wrong target", &ModeTransitionTrigger{ToMode: "deep-work"}, "normal", "meeting", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ectx := &EvaluationContext{Now: baseTime, PreviousFocusMode: tt.previous, FocusMode: tt.current}
			if got := m.Matches(tt.trigger, ectx); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatcher_Composite(t *testing.T) {
	m := NewMatcher(nil, 0)
	ectx := evalContext()

	empty := &CompositeTrigger{}
	if !m.Matches(empty, ectx) {
		t.Error("composite with no conditions should match")
	}

	all := &CompositeTrigger{Conditions: []Condition{
		{Field: "activeApp", Operator: OpEq, Value: "Chrome"},
		{Field: "idleSeconds", Operator: OpGt, Value: 60},
	}}
	if !m.Matches(all, ectx) {
		t.Error("composite should match when every condition holds")
	}

	one := &CompositeTrigger{Conditions: []Condition{
		{Field: "activeApp", Operator: OpEq, Value: "Chrome"},
		{Field: "focusMode", Operator: OpEq, Value: "meeting"},
	}}
	if m.Matches(one, ectx) {
		t.Error("composite should not match when one condition fails")
	}
}

func TestMatcher_IdleAndAppOpened(t *testing.T) {
	m := NewMatcher(nil, 0)
	ectx := &EvaluationContext{Now: baseTime, IdleSeconds: 600, ActiveApp: "Slack", PreviousActiveApp: "Chrome"}

	if !m.Matches(&IdleTrigger{IdleThresholdSeconds: 600}, ectx) {
		t.Error("idle trigger should match at threshold")
	}
	if m.Matches(&IdleTrigger{IdleThresholdSeconds: 601}, ectx) {
		t.Error("idle trigger should not match below threshold")
	}
	if !m.Matches(&AppOpenedTrigger{AppName: "Slack"}, ectx) {
		t.Error("app-opened should match when the app just became active")
	}

	ectx.PreviousActiveApp = "Slack"
	if m.Matches(&AppOpenedTrigger{AppName: "Slack"}, ectx) {
		t.Error("app-opened should not match when the app was already active")
	}
}

func TestMatcher_ScheduleWindow(t *testing.T) {
	m := NewMatcher(nil, time.Minute)
	const daily = "0 9 * * *"

	tests := []struct {
		name     string
		now      time.Time
		previous time.Time
		want     bool
	}{
		{"tick inside window", baseTime.Add(30 * time.Second), baseTime.Add(-30 * time.Second), true},
		{"tick already behind previous pass", baseTime.Add(90 * time.Second), baseTime.Add(30 * time.Second), false},
		{"lookback covers tick", baseTime.Add(30 * time.Second), time.Time{}, true},
		{"lookback misses tick", baseTime.Add(2 * time.Minute), time.Time{}, false},
		{"missed tick after long gap", baseTime.Add(3 * time.Hour), baseTime.Add(-time.Hour), true},
		{"previous after now", baseTime, baseTime.Add(time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ectx := &EvaluationContext{Now: tt.now, PreviousEvaluationAt: tt.previous}
			tick, ok := m.ScheduleWindow(daily, ectx)
			if ok != tt.want {
				t.Fatalf("ScheduleWindow() ok = %v, want %v", ok, tt.want)
			}
			if ok && !tick.Equal(baseTime) {
				t.Errorf("tick = %v, want %v", tick, baseTime)
			}
		})
	}
}

func TestMatcher_ScheduleLatestTickWins(t *testing.T) {
	m := NewMatcher(nil, 0)
	ectx := &EvaluationContext{Now: baseTime.Add(5*time.Minute + 10*time.Second), PreviousEvaluationAt: baseTime}
	tick, ok := m.ScheduleWindow("* * * * *", ectx)
	if !ok {
		t.Fatal("every-minute schedule should have a tick in a five minute window")
	}
	if want := baseTime.Add(5 * time.Minute); !tick.Equal(want) {
		t.Errorf("tick = %v, want %v", tick, want)
	}
}

func TestMatcher_MatchesRuleDedupsScheduleTicks(t *testing.T) {
	m := NewMatcher(nil, time.Minute)
	r := &Rule{ID: "r", Active: true, Trigger: &ScheduleTrigger{CronExpression: "@hourly"}}
	ectx := &EvaluationContext{Now: baseTime.Add(20 * time.Second)}

	if !m.MatchesRule(r, ectx) {
		t.Fatal("rule should match the 09:00 tick")
	}

	fired := baseTime.Add(20 * time.Second)
	r.LastTriggeredAt = &fired
	ectx.Now = baseTime.Add(40 * time.Second)
	if m.MatchesRule(r, ectx) {
		t.Error("rule should not match the same tick twice")
	}
}

func TestMatcher_InvalidScheduleNeverMatches(t *testing.T) {
	m := NewMatcher(nil, 0)
	ectx := &EvaluationContext{Now: baseTime}
	if m.Matches(&ScheduleTrigger{CronExpression: "every day at nine"}, ectx) {
		t.Error("unparseable cron expression should not match")
	}
	if m.Matches(nil, ectx) {
		t.Error("nil trigger should not match")
	}
}
