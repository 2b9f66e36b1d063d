package rules

import (
	"fmt"
	"strings"
)

// Operator is a comparison between a context field and a literal.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
		return true
	}
	return false
}

// Condition compares a context field against a typed literal. A nil Value
// means "missing": eq tests absence and neq tests presence.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// cloneValue deep-copies the list and object values a condition can carry.
func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

// validateShape checks the condition with the shared evaluator.
func (c Condition) validateShape() error {
	return defaultEvaluator.Validate(c)
}

// fieldType is the static type of a context field.
type fieldType string

const (
	fieldString     fieldType = "string"
	fieldNumber     fieldType = "double"
	fieldStringList fieldType = "list(string)"
	fieldDyn        fieldType = "dyn"
)

const (
	appUsagePrefix      = "usage.app."
	categoryUsagePrefix = "usage.category."
	attributePrefix     = "attributes."
)

var contextFields = map[string]fieldType{
	"activeApp":         fieldString,
	"previousActiveApp": fieldString,
	"activeCategory":    fieldString,
	"focusMode":         fieldString,
	"previousFocusMode": fieldString,
	"weekday":           fieldString,
	"idleSeconds":       fieldNumber,
	"totalUsageSeconds": fieldNumber,
	"hour":              fieldNumber,
	"openApps":          fieldStringList,
}

// lookupFieldType resolves the static type of a field path.
func lookupFieldType(field string) (fieldType, error) {
	if ft, ok := contextFields[field]; ok {
		return ft, nil
	}
	switch {
	case strings.HasPrefix(field, appUsagePrefix):
		if strings.TrimSpace(strings.TrimPrefix(field, appUsagePrefix)) == "" {
			return "", fmt.Errorf("app name is required after %q", appUsagePrefix)
		}
		return fieldNumber, nil
	case strings.HasPrefix(field, categoryUsagePrefix):
		if strings.TrimSpace(strings.TrimPrefix(field, categoryUsagePrefix)) == "" {
			return "", fmt.Errorf("category is required after %q", categoryUsagePrefix)
		}
		return fieldNumber, nil
	case strings.HasPrefix(field, attributePrefix):
		if err := validateIdentifier(strings.TrimPrefix(field, attributePrefix)); err != nil {
			return "", fmt.Errorf("invalid attribute key: %w", err)
		}
		return fieldDyn, nil
	}
	return "", fmt.Errorf("unknown context field %q", field)
}

// resolveField reads a field from the snapshot. The boolean is false when
// the field is missing. Empty strings and absent map keys count as missing.
func resolveField(field string, ectx *EvaluationContext) (any, bool) {
	if ectx == nil {
		return nil, false
	}
	str := func(s string) (any, bool) { return s, s != "" }
	switch field {
	case "activeApp":
		return str(ectx.ActiveApp)
	case "previousActiveApp":
		return str(ectx.PreviousActiveApp)
	case "activeCategory":
		return str(ectx.ActiveCategory)
	case "focusMode":
		return str(ectx.FocusMode)
	case "previousFocusMode":
		return str(ectx.PreviousFocusMode)
	case "weekday":
		if ectx.Now.IsZero() {
			return nil, false
		}
		return ectx.Now.Weekday().String(), true
	case "hour":
		if ectx.Now.IsZero() {
			return nil, false
		}
		return float64(ectx.Now.Hour()), true
	case "idleSeconds":
		return ectx.IdleSeconds, true
	case "totalUsageSeconds":
		return ectx.GlobalUsageSeconds(), true
	case "openApps":
		if ectx.OpenApps == nil {
			return nil, false
		}
		return ectx.OpenApps, true
	}
	switch {
	case strings.HasPrefix(field, appUsagePrefix):
		v, ok := ectx.AppUsageSeconds[strings.TrimPrefix(field, appUsagePrefix)]
		return v, ok
	case strings.HasPrefix(field, categoryUsagePrefix):
		v, ok := ectx.CategoryUsageSeconds[strings.TrimPrefix(field, categoryUsagePrefix)]
		return v, ok
	case strings.HasPrefix(field, attributePrefix):
		v, ok := ectx.Attributes[strings.TrimPrefix(field, attributePrefix)]
		if !ok || v == nil {
			return nil, false
		}
		return normalizeValue(v), true
	}
	return nil, false
}

// normalizeValue folds Go numeric kinds to float64 and string slices to
// []any so that JSON-decoded and programmatic values compare alike.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}

// valueType names the static type of a normalized literal.
func valueType(v any) (string, error) {
	switch n := v.(type) {
	case string:
		return "string", nil
	case float64:
		return "double", nil
	case bool:
		return "bool", nil
	case []any:
		for _, e := range n {
			if _, ok := e.(string); !ok {
				return "list(dyn)", nil
			}
		}
		return "list(string)", nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}
