package rules

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	ruleIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)
)

const (
	maxIdentifierLength = 100
	maxNameLength       = 200
)

// Validate checks a rule's user-editable fields and reports the first
// problem as a *ConfigurationError.
func Validate(r *Rule) error {
	if r == nil {
		return configErr("", "rule is required")
	}
	if err := validateRuleID(r.ID); err != nil {
		return configErr("id", err.Error())
	}
	if strings.TrimSpace(r.UserID) == "" {
		return configErr("userId", "user id is required")
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return configErr("name", "name is required")
	}
	if len(name) > maxNameLength {
		return configErr("name", fmt.Sprintf("name exceeds %d characters", maxNameLength))
	}
	if math.IsNaN(r.Priority) || math.IsInf(r.Priority, 0) {
		return configErr("priority", "priority must be a finite number")
	}
	if r.CooldownSeconds != nil && *r.CooldownSeconds < 0 {
		return configErr("cooldownSeconds", "cooldown must not be negative")
	}
	if r.Trigger == nil {
		return configErr("trigger", "trigger is required")
	}
	if err := r.Trigger.validate(); err != nil {
		return err
	}
	if r.Action == nil {
		return configErr("action", "action is required")
	}
	return r.Action.validate()
}

// validateRuleID accepts UUIDs and other opaque, URL-safe ids.
func validateRuleID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("id length %d exceeds maximum of %d characters", len(id), maxIdentifierLength)
	}
	if !ruleIDPattern.MatchString(id) {
		return fmt.Errorf("id %q must start with a letter or digit and contain only letters, digits, '_', '.', ':' or '-'", id)
	}
	return nil
}

// validateIdentifier validates an attribute key
// Must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$, be 1-100 characters and
// not be a reserved keyword
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// isReservedKeyword checks if a name is a CEL reserved keyword
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// Boolean and null literals
		"true":  true,
		"false": true,
		"null":  true,
		// Control flow
		"if":       true,
		"else":     true,
		"for":      true,
		"while":    true,
		"break":    true,
		"continue": true,
		"return":   true,
		// Declarations
		"var":      true,
		"let":      true,
		"const":    true,
		"function": true,
		// Other keywords
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
	}

	return reservedKeywords[name]
}
