package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// costLimit bounds the work any single condition program may do.
const costLimit = 1000000

var defaultEvaluator = NewConditionEvaluator(nil)

// ConditionEvaluator evaluates single conditions against a snapshot.
// Each operator/type combination compiles once to a type-checked CEL
// program; a combination CEL rejects is a ConfigurationError.
// Safe for concurrent use.
type ConditionEvaluator struct {
	cache ProgramCache
}

// NewConditionEvaluator creates an evaluator backed by cache. A nil cache
// uses an InMemoryProgramCache with DefaultCacheConfig.
func NewConditionEvaluator(cache ProgramCache) *ConditionEvaluator {
	if cache == nil {
		cache = NewInMemoryProgramCache(DefaultCacheConfig())
	}
	return &ConditionEvaluator{cache: cache}
}

// Validate reports a ConfigurationError when the field is unknown, the
// operator is unsupported, or the operator does not apply to the field and
// value types.
func (ev *ConditionEvaluator) Validate(c Condition) error {
	if c.Field == "" {
		return configErr("field", "field is required")
	}
	ft, err := lookupFieldType(c.Field)
	if err != nil {
		return configErr("field", err.Error())
	}
	if !c.Operator.valid() {
		return configErr("operator", fmt.Sprintf("unsupported operator %q", c.Operator))
	}
	if c.Value == nil {
		if c.Operator != OpEq && c.Operator != OpNeq {
			return configErr("value", fmt.Sprintf("operator %s requires a value", c.Operator))
		}
		return nil
	}
	vt, err := valueType(normalizeValue(c.Value))
	if err != nil {
		return configErr("value", err.Error())
	}
	if c.Operator == OpContains && ft != fieldStringList && ft != fieldDyn {
		return configErr("operator", fmt.Sprintf("contains applies only to list fields, %s is %s", c.Field, ft))
	}
	if _, err := ev.program(c.Operator, ft, vt); err != nil {
		return configErr("operator", fmt.Sprintf("%s is not supported between %s and %s", c.Operator, ft, vt))
	}
	return nil
}

// Evaluate returns whether the condition holds. It never fails: a missing
// field makes ordering operators and contains false, and any runtime
// mismatch on a dynamic attribute is false. Conditions that do not pass
// Validate evaluate to false.
func (ev *ConditionEvaluator) Evaluate(c Condition, ectx *EvaluationContext) bool {
	fieldVal, present := resolveField(c.Field, ectx)
	if c.Value == nil {
		switch c.Operator {
		case OpEq:
			return !present
		case OpNeq:
			return present
		}
		return false
	}
	if !present {
		// missing never equals a concrete value
		return c.Operator == OpNeq
	}

	ft, err := lookupFieldType(c.Field)
	if err != nil {
		return false
	}
	value := normalizeValue(c.Value)
	vt, err := valueType(value)
	if err != nil {
		return false
	}
	prog, err := ev.program(c.Operator, ft, vt)
	if err != nil {
		return false
	}

	out, _, err := prog.Eval(map[string]any{"f": fieldVal, "v": value})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// program compiles or fetches the program for an operator applied to a
// field of type ft and a literal of type vt.
func (ev *ConditionEvaluator) program(op Operator, ft fieldType, vt string) (cel.Program, error) {
	key := string(op) + "|" + string(ft) + "|" + vt
	if prog, ok := ev.cache.Get(key); ok {
		return prog, nil
	}

	expr, err := expressionFor(op)
	if err != nil {
		return nil, err
	}
	env, err := cel.NewEnv(
		cel.Variable("f", celType(string(ft))),
		cel.Variable("v", celType(vt)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q is not boolean", expr)
	}
	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	ev.cache.Set(key, prog)
	return prog, nil
}

func expressionFor(op Operator) (string, error) {
	switch op {
	case OpEq:
		return "f == v", nil
	case OpNeq:
		return "f != v", nil
	case OpGt:
		return "f > v", nil
	case OpGte:
		return "f >= v", nil
	case OpLt:
		return "f < v", nil
	case OpLte:
		return "f <= v", nil
	case OpContains:
		return "v in f", nil
	}
	return "", fmt.Errorf("unsupported operator %q", op)
}

func celType(name string) *cel.Type {
	switch name {
	case "string":
		return cel.StringType
	case "double":
		return cel.DoubleType
	case "bool":
		return cel.BoolType
	case "list(string)":
		return cel.ListType(cel.StringType)
	case "list(dyn)":
		return cel.ListType(cel.DynType)
	}
	return cel.DynType
}
