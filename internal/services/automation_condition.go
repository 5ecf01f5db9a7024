package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"triggerflow/internal/models"

	"github.com/spf13/cast"
	"gorm.io/datatypes"
)

// Operator 条件运算符
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidOperand  = errors.New("invalid operand")
)

// Condition is a validated condition. The operand field that is populated
// depends on Operator: number for comparisons, text for contains, scalar for
// equality, none for emptiness checks.
type Condition struct {
	Field    string
	Operator Operator
	Logic    string

	number  float64
	text    string
	scalar  interface{}
	invalid bool
}

// NewCondition validates spec and builds a typed condition.
func NewCondition(spec models.ConditionSpec) (Condition, error) {
	c := Condition{
		Field:    strings.TrimSpace(spec.Field),
		Operator: Operator(strings.ToLower(strings.TrimSpace(spec.Operator))),
	}
	if c.Field == "" {
		return c, fmt.Errorf("condition field required")
	}

	logic, err := normalizeLogic(spec.Logic)
	if err != nil {
		return c, err
	}
	c.Logic = logic

	switch c.Operator {
	case OpEquals, OpNotEquals:
		if !isScalar(spec.Value) {
			return c, fmt.Errorf("%w: %s on %q needs a scalar value", ErrInvalidOperand, c.Operator, c.Field)
		}
		c.scalar = spec.Value
	case OpContains:
		if spec.Value == nil || !isScalar(spec.Value) {
			return c, fmt.Errorf("%w: contains on %q needs a text value", ErrInvalidOperand, c.Field)
		}
		c.text = toText(spec.Value)
	case OpGreaterThan, OpLessThan:
		n, ok := toNumber(spec.Value)
		if !ok {
			return c, fmt.Errorf("%w: %s on %q needs a numeric value, got %v", ErrInvalidOperand, c.Operator, c.Field, spec.Value)
		}
		c.number = n
	case OpIsEmpty, OpIsNotEmpty:
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownOperator, spec.Operator)
	}
	return c, nil
}

func normalizeLogic(logic string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(logic)) {
	case "", models.LogicAnd:
		return models.LogicAnd, nil
	case models.LogicOr:
		return models.LogicOr, nil
	default:
		return "", fmt.Errorf("invalid condition logic %q", logic)
	}
}

// Matches applies the condition to payload. Missing paths are absent values.
func (c Condition) Matches(payload map[string]interface{}) bool {
	if c.invalid {
		return false
	}
	actual, present := lookupPath(payload, c.Field)

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, present, c.scalar)
	case OpNotEquals:
		return !valuesEqual(actual, present, c.scalar)
	case OpContains:
		if !present || actual == nil {
			return false
		}
		return strings.Contains(toText(actual), c.text)
	case OpGreaterThan, OpLessThan:
		if !present {
			return false
		}
		n, ok := toNumber(actual)
		if !ok {
			return false
		}
		if c.Operator == OpGreaterThan {
			return n > c.number
		}
		return n < c.number
	case OpIsEmpty:
		return isEmptyValue(actual, present)
	case OpIsNotEmpty:
		return !isEmptyValue(actual, present)
	default:
		return false
	}
}

// ConditionSet 编译后的条件树
type ConditionSet struct {
	unconditional bool
	root          Condition
	additional    []Condition
	orAhead       []bool // orAhead[i]: an OR condition exists at index >= i
}

// CompileConditions validates every condition of tree. A root without a
// field matches unconditionally and its additional conditions are ignored.
func CompileConditions(tree models.ConditionTree) (ConditionSet, error) {
	return compileConditions(tree, false)
}

// CompileStoredConditions compiles a persisted tree for evaluation. An unknown
// operator evaluates to false in place; a missing field, bad logic or an
// operand of the wrong type still fails the whole tree.
func CompileStoredConditions(tree models.ConditionTree) (ConditionSet, error) {
	return compileConditions(tree, true)
}

func compileConditions(tree models.ConditionTree, lenientOps bool) (ConditionSet, error) {
	if strings.TrimSpace(tree.Root.Field) == "" {
		return ConditionSet{unconditional: true}, nil
	}
	rootSpec := tree.Root
	rootSpec.Logic = ""
	root, err := buildCondition(rootSpec, lenientOps)
	if err != nil {
		return ConditionSet{}, fmt.Errorf("root condition: %w", err)
	}
	additional := make([]Condition, 0, len(tree.Additional))
	for i, spec := range tree.Additional {
		c, err := buildCondition(spec, lenientOps)
		if err != nil {
			return ConditionSet{}, fmt.Errorf("condition %d: %w", i+1, err)
		}
		additional = append(additional, c)
	}
	return newConditionSet(root, additional), nil
}

// buildCondition 宽松模式下未知运算符的条件保留位置，求值恒为 false
func buildCondition(spec models.ConditionSpec, lenientOps bool) (Condition, error) {
	c, err := NewCondition(spec)
	if err != nil && lenientOps && errors.Is(err, ErrUnknownOperator) {
		c.invalid = true
		return c, nil
	}
	return c, err
}

func newConditionSet(root Condition, additional []Condition) ConditionSet {
	orAhead := make([]bool, len(additional)+1)
	for i := len(additional) - 1; i >= 0; i-- {
		orAhead[i] = orAhead[i+1] || additional[i].Logic == models.LogicOr
	}
	return ConditionSet{root: root, additional: additional, orAhead: orAhead}
}

// Evaluate walks the chain left to right. A failed root or AND makes the
// result false; a matching OR returns true at once. Once the result is false
// and no OR remains, evaluation stops.
func (s ConditionSet) Evaluate(payload map[string]interface{}) bool {
	if s.unconditional {
		return true
	}
	result := s.root.Matches(payload)
	for i, c := range s.additional {
		if !result && !s.orAhead[i] {
			return false
		}
		if c.Logic == models.LogicOr {
			if c.Matches(payload) {
				return true
			}
			continue
		}
		if !c.Matches(payload) {
			result = false
		}
	}
	return result
}

// lookupPath 按点号路径读取 payload，路径不存在返回 present=false
func lookupPath(payload map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = payload
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case datatypes.JSONMap:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

func isNumberType(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}

func isScalar(v interface{}) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case string, bool, time.Time:
		return true
	}
	return isNumberType(v)
}

// toNumber 数值强制转换；布尔值不视为数字
func toNumber(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if _, ok := v.(bool); ok {
		return 0, false
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		v = s
	}
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func valuesEqual(actual interface{}, present bool, expected interface{}) bool {
	if !present || actual == nil {
		return expected == nil
	}
	if expected == nil {
		return false
	}
	if isNumberType(actual) || isNumberType(expected) {
		a, okA := toNumber(actual)
		b, okB := toNumber(expected)
		return okA && okB && a == b
	}
	return toText(actual) == toText(expected)
}

// isEmptyValue: absent, nil, "", false, 0 and empty collections are empty.
func isEmptyValue(v interface{}, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case bool:
		return !t
	}
	if isNumberType(v) {
		n, ok := toNumber(v)
		return ok && n == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr:
		return rv.IsNil()
	}
	return false
}
