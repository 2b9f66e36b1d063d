package rules

import (
	"fmt"
	"math"
	"strings"
)

// TriggerKind discriminates the Trigger variants.
type TriggerKind string

const (
	TriggerThreshold      TriggerKind = "threshold"
	TriggerSchedule       TriggerKind = "schedule"
	TriggerModeTransition TriggerKind = "mode-transition"
	TriggerComposite      TriggerKind = "composite"
	TriggerIdle           TriggerKind = "idle"
	TriggerAppOpened      TriggerKind = "app-opened"
)

// Trigger decides whether a rule is eligible to fire. The set of
// implementations is closed; each carries only its own fields.
type Trigger interface {
	Kind() TriggerKind
	validate() error
}

// ThresholdTrigger fires when usage in scope reaches ThresholdSeconds.
// With neither AppNames nor Categories set the scope is global usage.
type ThresholdTrigger struct {
	ThresholdSeconds float64  `json:"thresholdSeconds"`
	AppNames         []string `json:"appNames,omitempty"`
	Categories       []string `json:"categories,omitempty"`
}

// ScheduleTrigger fires once per tick of a five-field cron expression
// (descriptors such as @hourly are accepted).
type ScheduleTrigger struct {
	CronExpression string `json:"cronExpression"`
}

// ModeTransitionTrigger fires when the focus mode moved from FromMode to
// ToMode since the previous pass. An empty FromMode matches any prior mode.
type ModeTransitionTrigger struct {
	FromMode string `json:"fromMode,omitempty"`
	ToMode   string `json:"toMode"`
}

// CompositeTrigger fires when every condition holds. No conditions is true.
type CompositeTrigger struct {
	Conditions []Condition `json:"conditions"`
}

// IdleTrigger fires when the user has been idle for at least the threshold.
type IdleTrigger struct {
	IdleThresholdSeconds float64 `json:"idleThresholdSeconds"`
}

// AppOpenedTrigger fires when AppName became the active app since the
// previous pass.
type AppOpenedTrigger struct {
	AppName string `json:"appName"`
}

func (*ThresholdTrigger) Kind() TriggerKind      { return TriggerThreshold }
func (*ScheduleTrigger) Kind() TriggerKind       { return TriggerSchedule }
func (*ModeTransitionTrigger) Kind() TriggerKind { return TriggerModeTransition }
func (*CompositeTrigger) Kind() TriggerKind      { return TriggerComposite }
func (*IdleTrigger) Kind() TriggerKind           { return TriggerIdle }
func (*AppOpenedTrigger) Kind() TriggerKind      { return TriggerAppOpened }

func (t *ThresholdTrigger) validate() error {
	if err := checkSeconds("trigger.thresholdSeconds", t.ThresholdSeconds); err != nil {
		return err
	}
	if err := checkNames("trigger.appNames", t.AppNames); err != nil {
		return err
	}
	return checkNames("trigger.categories", t.Categories)
}

func (t *ScheduleTrigger) validate() error {
	if strings.TrimSpace(t.CronExpression) == "" {
		return configErr("trigger.cronExpression", "cron expression is required")
	}
	if _, err := parseSchedule(t.CronExpression); err != nil {
		return configErr("trigger.cronExpression", err.Error())
	}
	return nil
}

func (t *ModeTransitionTrigger) validate() error {
	if strings.TrimSpace(t.ToMode) == "" {
		return configErr("trigger.toMode", "target mode is required")
	}
	if t.FromMode != "" && t.FromMode == t.ToMode {
		return configErr("trigger.fromMode", "fromMode and toMode must differ")
	}
	return nil
}

func (t *CompositeTrigger) validate() error {
	for i, c := range t.Conditions {
		if err := c.validateShape(); err != nil {
			return prefixField(err, fmt.Sprintf("trigger.conditions[%d]", i))
		}
	}
	return nil
}

func (t *IdleTrigger) validate() error {
	return checkSeconds("trigger.idleThresholdSeconds", t.IdleThresholdSeconds)
}

func (t *AppOpenedTrigger) validate() error {
	if strings.TrimSpace(t.AppName) == "" {
		return configErr("trigger.appName", "app name is required")
	}
	return nil
}

func checkSeconds(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return configErr(field, "must be a finite number")
	}
	if v < 0 {
		return configErr(field, "must not be negative")
	}
	return nil
}

func checkNames(field string, names []string) error {
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			return configErr(field, "names must not be empty")
		}
	}
	return nil
}

func cloneTrigger(t Trigger) Trigger {
	switch v := t.(type) {
	case *ThresholdTrigger:
		c := *v
		c.AppNames = append([]string(nil), v.AppNames...)
		c.Categories = append([]string(nil), v.Categories...)
		return &c
	case *ScheduleTrigger:
		c := *v
		return &c
	case *ModeTransitionTrigger:
		c := *v
		return &c
	case *CompositeTrigger:
		c := *v
		c.Conditions = append([]Condition(nil), v.Conditions...)
		for i := range c.Conditions {
			c.Conditions[i].Value = cloneValue(c.Conditions[i].Value)
		}
		return &c
	case *IdleTrigger:
		c := *v
		return &c
	case *AppOpenedTrigger:
		c := *v
		return &c
	}
	return t
}
