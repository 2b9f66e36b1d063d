// Package executor delivers resolved rule actions: to the structured log,
// to the desktop client's webhook, or onto NATS.
package executor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/automations/rules"
)

const (
	deepLinkScheme = "awfork"
	disableRuleOp  = "disable-rule"
)

// Message is the wire form of a firing, shared by the webhook and NATS
// executors.
type Message struct {
	RuleID      string            `json:"ruleId"`
	RuleName    string            `json:"ruleName"`
	UserID      string            `json:"userId"`
	Kind        rules.ActionKind  `json:"kind"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Action      json.RawMessage   `json:"action"`
	DisableLink string            `json:"disableLink"`
	FiredAt     time.Time         `json:"firedAt"`
}

// NewMessage builds the message for f.
func NewMessage(f rules.Firing) (*Message, error) {
	action, err := rules.MarshalAction(f.Action)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action: %w", err)
	}
	title, body, data := Describe(f.Action)
	data["ruleId"] = f.RuleID
	data["actionType"] = string(f.Action.Kind())
	return &Message{
		RuleID:      f.RuleID,
		RuleName:    f.RuleName,
		UserID:      f.UserID,
		Kind:        f.Action.Kind(),
		Title:       title,
		Body:        body,
		Data:        data,
		Action:      action,
		DisableLink: DisableRuleLink(f.RuleID),
		FiredAt:     f.FiredAt,
	}, nil
}

// Describe renders the user-facing notification for an action along with
// the parameters a client needs to carry it out.
func Describe(a rules.Action) (title, body string, data map[string]string) {
	data = map[string]string{}
	switch v := a.(type) {
	case *rules.NotifyAction:
		return v.Title, v.Message, data
	case *rules.BlockAppAction:
		data["appToBlock"] = v.AppName
		body = fmt.Sprintf("%s is being blocked.", v.AppName)
		if v.DurationMinutes > 0 {
			data["durationMinutes"] = formatMinutes(v.DurationMinutes)
			body = fmt.Sprintf("%s is blocked for %s minutes.", v.AppName, formatMinutes(v.DurationMinutes))
		}
		return "App blocked", body, data
	case *rules.SuggestBreakAction:
		body = v.Message
		if v.BreakDurationMinutes > 0 {
			data["breakDuration"] = formatMinutes(v.BreakDurationMinutes)
			if body == "" {
				body = fmt.Sprintf("Consider taking a %s minute break.", formatMinutes(v.BreakDurationMinutes))
			}
		}
		if body == "" {
			body = "Consider taking a short break."
		}
		return "Time for a break", body, data
	case *rules.SwitchFocusModeAction:
		data["targetFocusMode"] = v.TargetMode
		return "Focus mode change", fmt.Sprintf("Switching focus mode to %s.", v.TargetMode), data
	case *rules.LogMoodAction:
		if len(v.MoodOptions) > 0 {
			data["moodOptions"] = strings.Join(v.MoodOptions, ",")
		}
		return "Log your mood", "Would you like to record how you feel right now?", data
	case *rules.ContextPromptAction:
		data["promptText"] = v.PromptText
		return "Context", v.PromptText, data
	}
	return "", "", data
}

func formatMinutes(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

// DisableRuleLink returns the deep link that deactivates ruleID from a
// notification.
func DisableRuleLink(ruleID string) string {
	return deepLinkScheme + "://" + disableRuleOp + "?id=" + url.QueryEscape(ruleID)
}

// ParseDisableRuleLink extracts the rule ID from a disable-rule deep link.
func ParseDisableRuleLink(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid deep link: %w", err)
	}
	if u.Scheme != deepLinkScheme || u.Host != disableRuleOp {
		return "", fmt.Errorf("unsupported deep link %q", raw)
	}
	id := u.Query().Get("id")
	if id == "" {
		return "", fmt.Errorf("deep link %q has no rule id", raw)
	}
	return id, nil
}
