package rules

import (
	"strings"
)

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	ActionNotify          ActionKind = "notify"
	ActionBlockApp        ActionKind = "block-app"
	ActionSuggestBreak    ActionKind = "suggest-break"
	ActionSwitchFocusMode ActionKind = "switch-focus-mode"
	ActionLogMood         ActionKind = "log-mood"
	ActionContextPrompt   ActionKind = "context-prompt"
)

// Action is the effect executed when a rule fires. The set of
// implementations is closed.
type Action interface {
	Kind() ActionKind
	validate() error
}

// NotifyAction shows a notification.
type NotifyAction struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// BlockAppAction asks the client to block an application.
type BlockAppAction struct {
	AppName         string  `json:"appToBlock"`
	DurationMinutes float64 `json:"durationMinutes,omitempty"`
}

// SuggestBreakAction suggests a break of the given length.
type SuggestBreakAction struct {
	BreakDurationMinutes float64 `json:"breakDurationMinutes,omitempty"`
	Message              string  `json:"message,omitempty"`
}

// SwitchFocusModeAction switches the client into another focus mode.
type SwitchFocusModeAction struct {
	TargetMode string `json:"targetFocusMode"`
}

// LogMoodAction prompts the user to record a mood.
type LogMoodAction struct {
	MoodOptions []string `json:"moodOptions,omitempty"`
}

// ContextPromptAction shows a free-form contextual prompt.
type ContextPromptAction struct {
	PromptText string `json:"promptText"`
}

func (*NotifyAction) Kind() ActionKind          { return ActionNotify }
func (*BlockAppAction) Kind() ActionKind        { return ActionBlockApp }
func (*SuggestBreakAction) Kind() ActionKind    { return ActionSuggestBreak }
func (*SwitchFocusModeAction) Kind() ActionKind { return ActionSwitchFocusMode }
func (*LogMoodAction) Kind() ActionKind         { return ActionLogMood }
func (*ContextPromptAction) Kind() ActionKind   { return ActionContextPrompt }

func (a *NotifyAction) validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return configErr("action.title", "title is required")
	}
	if strings.TrimSpace(a.Message) == "" {
		return configErr("action.message", "message is required")
	}
	return nil
}

func (a *BlockAppAction) validate() error {
	if strings.TrimSpace(a.AppName) == "" {
		return configErr("action.appToBlock", "app to block is required")
	}
	return checkSeconds("action.durationMinutes", a.DurationMinutes)
}

func (a *SuggestBreakAction) validate() error {
	return checkSeconds("action.breakDurationMinutes", a.BreakDurationMinutes)
}

func (a *SwitchFocusModeAction) validate() error {
	if strings.TrimSpace(a.TargetMode) == "" {
		return configErr("action.targetFocusMode", "target focus mode is required")
	}
	return nil
}

func (a *LogMoodAction) validate() error {
	return checkNames("action.moodOptions", a.MoodOptions)
}

func (a *ContextPromptAction) validate() error {
	if strings.TrimSpace(a.PromptText) == "" {
		return configErr("action.promptText", "prompt text is required")
	}
	return nil
}

func cloneAction(a Action) Action {
	switch v := a.(type) {
	case *NotifyAction:
		c := *v
		return &c
	case *BlockAppAction:
		c := *v
		return &c
	case *SuggestBreakAction:
		c := *v
		return &c
	case *SwitchFocusModeAction:
		c := *v
		return &c
	case *LogMoodAction:
		c := *v
		c.MoodOptions = append([]string(nil), v.MoodOptions...)
		return &c
	case *ContextPromptAction:
		c := *v
		return &c
	}
	return a
}
