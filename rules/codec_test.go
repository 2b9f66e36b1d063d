package rules

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestUnmarshalTrigger(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Trigger
	}{
		{
			"threshold",
			`{"type":"threshold","thresholdSeconds":1800,"appNames":["Chrome"]}`,
			&ThresholdTrigger{ThresholdSeconds: 1800, AppNames: []string{"Chrome"}},
		},
		{
			"legacy time_spent in minutes",
			`{"type":"time_spent","thresholdMinutes":30,"targetAppName":"Chrome"}`,
			&ThresholdTrigger{ThresholdSeconds: 1800, AppNames: []string{"Chrome"}},
		},
		{
			"legacy category_time",
			`{"type":"category_time","thresholdSeconds":60,"targetCategory":"Social"}`,
			&ThresholdTrigger{ThresholdSeconds: 60, Categories: []string{"Social"}},
		},
		{
			"cron alias",
			`{"type":"cron","cronExpression":"0 9 * * 1-5"}`,
			&ScheduleTrigger{CronExpression: "0 9 * * 1-5"},
		},
		{
			"focus mode alias",
			`{"type":"focus_mode_change","toMode":"deep-work"}`,
			&ModeTransitionTrigger{ToMode: "deep-work"},
		},
		{
			"idle alias",
			`{"type":"idle_time","idleThresholdSeconds":300}`,
			&IdleTrigger{IdleThresholdSeconds: 300},
		},
		{
			"app opened legacy field",
			`{"type":"app_opened","targetAppName":"Slack"}`,
			&AppOpenedTrigger{AppName: "Slack"},
		},
		{
			"composite",
			`{"type":"composite","conditions":[{"field":"idleSeconds","operator":"gt","value":60}]}`,
			&CompositeTrigger{Conditions: []Condition{{Field: "idleSeconds", Operator: OpGt, Value: float64(60)}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalTrigger([]byte(tt.in))
			if err != nil {
				t.Fatalf("UnmarshalTrigger() failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UnmarshalTrigger() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestUnmarshalTrigger_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		field string
	}{
		{"null", `null`, "trigger"},
		{"missing type", `{"thresholdSeconds":1}`, "trigger.type"},
		{"unknown type", `{"type":"weather"}`, "trigger.type"},
		{"missing threshold", `{"type":"threshold","appNames":["Chrome"]}`, "trigger.thresholdSeconds"},
		{"missing idle threshold", `{"type":"idle"}`, "trigger.idleThresholdSeconds"},
		{"missing conditions", `{"type":"composite"}`, "trigger.conditions"},
		{"unknown field", `{"type":"idle","idleThresholdSeconds":5,"color":"red"}`, "trigger"},
		{"legacy without threshold", `{"type":"time_spent","targetAppName":"Chrome"}`, "trigger.thresholdSeconds"},
		{"invalid condition", `{"type":"composite","conditions":[{"field":"bogus","operator":"eq","value":1}]}`, "trigger.conditions[0].field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalTrigger([]byte(tt.in))
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("UnmarshalTrigger() error = %v, want ConfigurationError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestUnmarshalAction(t *testing.T) {
	a, err := UnmarshalAction([]byte(`{"type":"show_notification","title":"Break","message":"Stand up"}`))
	if err != nil {
		t.Fatalf("UnmarshalAction() failed: %v", err)
	}
	if want := (&NotifyAction{Title: "Break", Message: "Stand up"}); !reflect.DeepEqual(a, want) {
		t.Errorf("UnmarshalAction() = %#v, want %#v", a, want)
	}

	b, err := UnmarshalAction([]byte(`{"type":"block_app","appToBlock":"Twitter","durationMinutes":15}`))
	if err != nil {
		t.Fatalf("UnmarshalAction() failed: %v", err)
	}
	if b.Kind() != ActionBlockApp {
		t.Errorf("Kind() = %s, want %s", b.Kind(), ActionBlockApp)
	}

	if _, err := UnmarshalAction([]byte(`{"type":"launch_rocket"}`)); !IsConfigurationError(err) {
		t.Errorf("unknown action error = %v, want ConfigurationError", err)
	}
	if _, err := UnmarshalAction([]byte(`{"type":"notify","title":"x"}`)); !IsConfigurationError(err) {
		t.Errorf("notify without message error = %v, want ConfigurationError", err)
	}
}

func TestRuleJSON_RoundTrip(t *testing.T) {
	last := baseTime.Add(-30 * time.Second)
	r := chromeRule("chrome", 3)
	r.Description = "nudge"
	r.LastTriggeredAt = &last

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() into map failed: %v", err)
	}
	trigger, _ := fields["trigger"].(map[string]any)
	if trigger["type"] != "threshold" {
		t.Errorf("trigger type = %v, want threshold", trigger["type"])
	}
	if fields["isActive"] != true {
		t.Errorf("isActive = %v, want true", fields["isActive"])
	}

	var back Rule
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if !reflect.DeepEqual(back.Trigger, r.Trigger) || !reflect.DeepEqual(back.Action, r.Action) {
		t.Errorf("trigger/action changed in round trip: %#v %#v", back.Trigger, back.Action)
	}
	if back.ID != r.ID || back.Version != r.Version || !back.LastTriggeredAt.Equal(last) {
		t.Errorf("round trip = %+v, want %+v", back, r)
	}
}

func TestRuleDefinition_UnmarshalJSON(t *testing.T) {
	var def RuleDefinition
	in := `{"name":"Deep work","priority":2,"trigger":{"type":"mode-transition","toMode":"deep-work"},"action":{"type":"log-mood"}}`
	if err := json.Unmarshal([]byte(in), &def); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if def.Name != "Deep work" || def.Priority == nil || *def.Priority != 2 || def.IsActive != nil {
		t.Errorf("definition = %+v", def)
	}

	err := json.Unmarshal([]byte(`{"name":"x","owner":"me","trigger":{"type":"idle","idleThresholdSeconds":1},"action":{"type":"log-mood"}}`), &def)
	if !IsConfigurationError(err) {
		t.Errorf("unknown field error = %v, want ConfigurationError", err)
	}
}

func TestRulePatch_UnmarshalJSON(t *testing.T) {
	var p RulePatch
	if err := json.Unmarshal([]byte(`{"name":"n","cooldownSeconds":null,"version":4}`), &p); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if p.Name == nil || *p.Name != "n" || !p.ClearCooldown || p.CooldownSeconds != nil || p.Version != 4 {
		t.Errorf("patch = %+v", p)
	}

	var q RulePatch
	if err := json.Unmarshal([]byte(`{"cooldownSeconds":90}`), &q); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if q.ClearCooldown || q.CooldownSeconds == nil || *q.CooldownSeconds != 90 {
		t.Errorf("patch = %+v", q)
	}

	if err := json.Unmarshal([]byte(`{"userId":"someone-else"}`), &q); !IsConfigurationError(err) {
		t.Errorf("unknown key error = %v, want ConfigurationError", err)
	}
}
