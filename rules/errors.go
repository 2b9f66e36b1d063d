package rules

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound is returned by stores when a rule does not exist for the user.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned by Create when the ID is taken.
	ErrRuleExists = errors.New("rule already exists")

	// ErrVersionConflict is returned when a conditional write saw a different version.
	ErrVersionConflict = errors.New("rule version conflict")
)

// ConfigurationError reports a malformed trigger, action or condition.
// It is raised at create/update time, never during evaluation.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid rule: " + e.Reason
	}
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

// TransportError reports that the Rule Store, Context Provider or a remote
// collaborator could not be reached or answered with a failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExecutionError reports that the executor ran but the action failed.
type ExecutionError struct {
	RuleID string
	Action ActionKind
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %s for rule %s failed: %v", e.Action, e.RuleID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// WriteBackError reports that a rule fired but persisting LastTriggeredAt
// failed. The rule may fire again on the next pass.
type WriteBackError struct {
	RuleID string
	Err    error
}

func (e *WriteBackError) Error() string {
	return fmt.Sprintf("failed to record firing of rule %s: %v", e.RuleID, e.Err)
}

func (e *WriteBackError) Unwrap() error { return e.Err }

// RuleError attaches a per-rule failure to a PassResult.
type RuleError struct {
	RuleID string
	Err    error
}

func (e RuleError) Error() string { return e.Err.Error() }

func (e RuleError) Unwrap() error { return e.Err }

// MarshalJSON renders the error as {"ruleId", "kind", "error"}.
func (e RuleError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RuleID string `json:"ruleId"`
		Kind   string `json:"kind"`
		Error  string `json:"error"`
	}{e.RuleID, errorKind(e.Err), e.Err.Error()})
}

func errorKind(err error) string {
	var (
		ce *ConfigurationError
		te *TransportError
		ee *ExecutionError
		we *WriteBackError
	)
	switch {
	case errors.As(err, &we):
		return "write_back"
	case errors.As(err, &ee):
		return "execution"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &ce):
		return "configuration"
	default:
		return "unknown"
	}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func configErr(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// prefixField qualifies the field of a ConfigurationError, e.g. "field" to
// "trigger.conditions[0].field".
func prefixField(err error, prefix string) error {
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		return err
	}
	field := prefix
	if ce.Field != "" {
		field = prefix + "." + ce.Field
	}
	return &ConfigurationError{Field: field, Reason: ce.Reason}
}
