package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Trigger and action JSON is a "type" discriminator plus the kind's own
// fields. Decoding is strict: unknown fields, unknown kinds and missing
// required fields are ConfigurationErrors. The snake-case kind names used
// by older clients ("time_spent", "show_notification", ...) are accepted on
// input and normalized.

// requiredTriggerFields lists keys that must be present because their zero
// value would otherwise pass validation.
var requiredTriggerFields = map[TriggerKind][]string{
	TriggerThreshold: {"thresholdSeconds"},
	TriggerIdle:      {"idleThresholdSeconds"},
	TriggerComposite: {"conditions"},
}

// MarshalTrigger encodes t with its type discriminator.
func MarshalTrigger(t Trigger) ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	return marshalTagged(string(t.Kind()), t)
}

// MarshalAction encodes a with its type discriminator.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return marshalTagged(string(a.Kind()), a)
}

func marshalTagged(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(kind)
	fields["type"] = tag
	return json.Marshal(fields)
}

// splitTagged separates the "type" discriminator from the remaining fields.
func splitTagged(data []byte, field string) (string, map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return "", nil, configErr(field, field+" is required")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, configErr(field, "must be an object: "+err.Error())
	}
	raw, ok := fields["type"]
	if !ok {
		return "", nil, configErr(field+".type", "type is required")
	}
	var kind string
	if err := json.Unmarshal(raw, &kind); err != nil {
		return "", nil, configErr(field+".type", "type must be a string")
	}
	delete(fields, "type")
	return kind, fields, nil
}

// decodeStrict decodes fields into v rejecting unknown keys.
func decodeStrict(fields map[string]json.RawMessage, v any, field string) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return configErr(field, err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return configErr(field, strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func requireFields(fields map[string]json.RawMessage, field string, names ...string) error {
	for _, n := range names {
		if _, ok := fields[n]; !ok {
			return configErr(field+"."+n, n+" is required")
		}
	}
	return nil
}

// legacyThreshold is the older time_spent/category_time shape.
type legacyThreshold struct {
	ThresholdSeconds *float64 `json:"thresholdSeconds"`
	ThresholdMinutes *float64 `json:"thresholdMinutes"`
	AppNames         []string `json:"appNames"`
	Categories       []string `json:"categories"`
	TargetAppName    string   `json:"targetAppName"`
	TargetCategory   string   `json:"targetCategory"`
}

func (l legacyThreshold) trigger() (*ThresholdTrigger, error) {
	t := &ThresholdTrigger{
		AppNames:   append([]string(nil), l.AppNames...),
		Categories: append([]string(nil), l.Categories...),
	}
	switch {
	case l.ThresholdSeconds != nil:
		t.ThresholdSeconds = *l.ThresholdSeconds
	case l.ThresholdMinutes != nil:
		t.ThresholdSeconds = *l.ThresholdMinutes * 60
	default:
		return nil, configErr("trigger.thresholdSeconds", "thresholdSeconds or thresholdMinutes is required")
	}
	if l.TargetAppName != "" {
		t.AppNames = append(t.AppNames, l.TargetAppName)
	}
	if l.TargetCategory != "" {
		t.Categories = append(t.Categories, l.TargetCategory)
	}
	return t, nil
}

// UnmarshalTrigger decodes and validates a trigger.
func UnmarshalTrigger(data []byte) (Trigger, error) {
	kind, fields, err := splitTagged(data, "trigger")
	if err != nil {
		return nil, err
	}

	var t Trigger
	switch kind {
	case string(TriggerThreshold):
		t = &ThresholdTrigger{}
	case string(TriggerSchedule), "cron":
		t = &ScheduleTrigger{}
	case string(TriggerModeTransition), "focus_mode_change":
		t = &ModeTransitionTrigger{}
	case string(TriggerComposite), "conditions":
		t = &CompositeTrigger{}
	case string(TriggerIdle), "idle_time":
		t = &IdleTrigger{}
	case "time_spent", "category_time":
		var l legacyThreshold
		if err := decodeStrict(fields, &l, "trigger"); err != nil {
			return nil, err
		}
		lt, err := l.trigger()
		if err != nil {
			return nil, err
		}
		return lt, lt.validate()
	case string(TriggerAppOpened), "app_opened":
		var l struct {
			AppName       string `json:"appName"`
			TargetAppName string `json:"targetAppName"`
		}
		if err := decodeStrict(fields, &l, "trigger"); err != nil {
			return nil, err
		}
		at := &AppOpenedTrigger{AppName: l.AppName}
		if at.AppName == "" {
			at.AppName = l.TargetAppName
		}
		return at, at.validate()
	default:
		return nil, configErr("trigger.type", fmt.Sprintf("unknown trigger type %q", kind))
	}

	if err := requireFields(fields, "trigger", requiredTriggerFields[t.Kind()]...); err != nil {
		return nil, err
	}
	if err := decodeStrict(fields, t, "trigger"); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

var actionAliases = map[string]ActionKind{
	"show_notification": ActionNotify,
	"notification":      ActionNotify,
	"block_app":         ActionBlockApp,
	"suggest_break":     ActionSuggestBreak,
	"switch_focus_mode": ActionSwitchFocusMode,
	"log_mood":          ActionLogMood,
	"context_prompt":    ActionContextPrompt,
}

// ParseActionKind resolves an action type name, accepting the legacy
// snake-case aliases.
func ParseActionKind(s string) (ActionKind, error) {
	if alias, ok := actionAliases[s]; ok {
		return alias, nil
	}
	switch k := ActionKind(s); k {
	case ActionNotify, ActionBlockApp, ActionSuggestBreak, ActionSwitchFocusMode, ActionLogMood, ActionContextPrompt:
		return k, nil
	}
	return "", configErr("action.type", fmt.Sprintf("unknown action type %q", s))
}

// UnmarshalAction decodes and validates an action.
func UnmarshalAction(data []byte) (Action, error) {
	kind, fields, err := splitTagged(data, "action")
	if err != nil {
		return nil, err
	}
	if alias, ok := actionAliases[kind]; ok {
		kind = string(alias)
	}

	var a Action
	switch ActionKind(kind) {
	case ActionNotify:
		a = &NotifyAction{}
	case ActionBlockApp:
		a = &BlockAppAction{}
	case ActionSuggestBreak:
		a = &SuggestBreakAction{}
	case ActionSwitchFocusMode:
		a = &SwitchFocusModeAction{}
	case ActionLogMood:
		a = &LogMoodAction{}
	case ActionContextPrompt:
		a = &ContextPromptAction{}
	default:
		return nil, configErr("action.type", fmt.Sprintf("unknown action type %q", kind))
	}

	if err := decodeStrict(fields, a, "action"); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

type ruleJSON struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	IsActive        bool            `json:"isActive"`
	Priority        float64         `json:"priority"`
	Trigger         json.RawMessage `json:"trigger"`
	Action          json.RawMessage `json:"action"`
	CooldownSeconds *int64          `json:"cooldownSeconds,omitempty"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Version         int64           `json:"version"`
}

// MarshalJSON encodes the rule with tagged trigger and action.
func (r Rule) MarshalJSON() ([]byte, error) {
	trigger, err := MarshalTrigger(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger: %w", err)
	}
	action, err := MarshalAction(r.Action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}
	return json.Marshal(ruleJSON{
		ID:              r.ID,
		UserID:          r.UserID,
		Name:            r.Name,
		Description:     r.Description,
		IsActive:        r.Active,
		Priority:        r.Priority,
		Trigger:         trigger,
		Action:          action,
		CooldownSeconds: r.CooldownSeconds,
		LastTriggeredAt: r.LastTriggeredAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Version:         r.Version,
	})
}

// UnmarshalJSON decodes a stored rule. Trigger and action are validated.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	trigger, err := UnmarshalTrigger(raw.Trigger)
	if err != nil {
		return err
	}
	action, err := UnmarshalAction(raw.Action)
	if err != nil {
		return err
	}
	*r = Rule{
		ID:              raw.ID,
		UserID:          raw.UserID,
		Name:            raw.Name,
		Description:     raw.Description,
		Active:          raw.IsActive,
		Priority:        raw.Priority,
		Trigger:         trigger,
		Action:          action,
		CooldownSeconds: raw.CooldownSeconds,
		LastTriggeredAt: raw.LastTriggeredAt,
		CreatedAt:       raw.CreatedAt,
		UpdatedAt:       raw.UpdatedAt,
		Version:         raw.Version,
	}
	return nil
}

// UnmarshalJSON decodes a create request.
func (d *RuleDefinition) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              string          `json:"id"`
		Name            string          `json:"name"`
		Description     string          `json:"description"`
		IsActive        *bool           `json:"isActive"`
		Priority        *float64        `json:"priority"`
		Trigger         json.RawMessage `json:"trigger"`
		Action          json.RawMessage `json:"action"`
		CooldownSeconds *int64          `json:"cooldownSeconds"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return configErr("", strings.TrimPrefix(err.Error(), "json: "))
	}
	trigger, err := UnmarshalTrigger(raw.Trigger)
	if err != nil {
		return err
	}
	action, err := UnmarshalAction(raw.Action)
	if err != nil {
		return err
	}
	*d = RuleDefinition{
		ID:              raw.ID,
		Name:            raw.Name,
		Description:     raw.Description,
		IsActive:        raw.IsActive,
		Priority:        raw.Priority,
		Trigger:         trigger,
		Action:          action,
		CooldownSeconds: raw.CooldownSeconds,
	}
	return nil
}

// UnmarshalJSON decodes a partial update. An explicit
// "cooldownSeconds": null clears the cooldown.
func (p *RulePatch) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return configErr("", "patch must be an object: "+err.Error())
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out RulePatch
	for _, k := range keys {
		raw := fields[k]
		var err error
		switch k {
		case "name":
			err = json.Unmarshal(raw, &out.Name)
		case "description":
			err = json.Unmarshal(raw, &out.Description)
		case "isActive":
			err = json.Unmarshal(raw, &out.IsActive)
		case "priority":
			err = json.Unmarshal(raw, &out.Priority)
		case "version":
			err = json.Unmarshal(raw, &out.Version)
		case "cooldownSeconds":
			if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				out.ClearCooldown = true
				continue
			}
			err = json.Unmarshal(raw, &out.CooldownSeconds)
		case "trigger":
			out.Trigger, err = UnmarshalTrigger(raw)
			if err != nil {
				return err
			}
		case "action":
			out.Action, err = UnmarshalAction(raw)
			if err != nil {
				return err
			}
		default:
			return configErr(k, "unknown field")
		}
		if err != nil {
			return configErr(k, strings.TrimPrefix(err.Error(), "json: "))
		}
	}
	*p = out
	return nil
}
