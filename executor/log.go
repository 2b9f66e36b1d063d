package executor

import (
	"context"
	"log/slog"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// LogExecutor writes each firing to the structured log. It never fails
// and is the default when no delivery channel is configured.
type LogExecutor struct {
	log *slog.Logger
}

// NewLogExecutor creates a LogExecutor. A nil logger uses logger.Logger.
func NewLogExecutor(l *slog.Logger) *LogExecutor {
	if l == nil {
		l = logger.Logger
	}
	return &LogExecutor{log: l}
}

// Execute logs the rendered action.
func (e *LogExecutor) Execute(ctx context.Context, f rules.Firing) error {
	title, body, data := Describe(f.Action)
	attrs := []any{
		"rule_id", f.RuleID,
		"rule_name", f.RuleName,
		"user_id", f.UserID,
		"action", f.Action.Kind(),
		"title", title,
		"body", body,
	}
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	e.log.InfoContext(ctx, "action executed", attrs...)
	return nil
}
