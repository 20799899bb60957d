package prompt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator is the closed set of comparison operators a condition may use.
// Anything else parses to OpUnknown, which always evaluates to false.
type Operator uint8

const (
	OpUnknown Operator = iota
	OpEquals
	OpNotEquals
	OpExists
	OpNotExists
	OpIn
)

var operatorNames = map[Operator]string{
	OpEquals:    "equals",
	OpNotEquals: "notEquals",
	OpExists:    "exists",
	OpNotExists: "notExists",
	OpIn:        "in",
}

// ParseOperator maps operator text to an Operator. Matching ignores case and
// underscores so "not_equals" and "notEquals" are the same. It never fails.
func ParseOperator(s string) Operator {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for op, name := range operatorNames {
		if strings.ToLower(name) == norm {
			return op
		}
	}
	return OpUnknown
}

// String returns the canonical operator name.
func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return "unknown"
}

// IsUnknown reports whether the operator failed to parse.
func (o Operator) IsUnknown() bool {
	return o == OpUnknown
}

// Condition is one inclusion test: resolve Field in the context and apply
// Operator against Value.
type Condition struct {
	Field    string
	Operator Operator
	Value    any

	// RawOperator keeps the authored text for diagnostics.
	RawOperator string
}

// NewCondition builds a condition from operator text.
func NewCondition(field, operator string, value any) Condition {
	return Condition{Field: field, Operator: ParseOperator(operator), RawOperator: operator, Value: value}
}

// conditionDef is the serialized form of a Condition.
type conditionDef struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

func (c Condition) def() conditionDef {
	op := c.RawOperator
	if !c.Operator.IsUnknown() {
		op = c.Operator.String()
	}
	return conditionDef{Field: c.Field, Operator: op, Value: c.Value}
}

// MarshalJSON implements json.Marshaler.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.def())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var d conditionDef
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*c = NewCondition(d.Field, d.Operator, d.Value)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Condition) MarshalYAML() (interface{}, error) {
	return c.def(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var d conditionDef
	if err := node.Decode(&d); err != nil {
		return err
	}
	*c = NewCondition(d.Field, d.Operator, d.Value)
	return nil
}

// Evaluate applies a condition to the context. Problems with the condition
// itself produce a Warning and a false result, never an error.
func Evaluate(cond Condition, ctx Context) (bool, *Warning) {
	value, found := Resolve(cond.Field, ctx)

	switch cond.Operator {
	case OpEquals:
		return found && valuesEqual(value, cond.Value), nil

	case OpNotEquals:
		return !(found && valuesEqual(value, cond.Value)), nil

	case OpExists:
		return found, nil

	case OpNotExists:
		return !found, nil

	case OpIn:
		list, ok := asList(cond.Value)
		if !ok {
			return false, &Warning{
				Code:    WarnInvalidConditionValue,
				Message: fmt.Sprintf("condition on %q: operator in requires a list value, got %T", cond.Field, cond.Value),
			}
		}
		if !found {
			return false, nil
		}
		for _, candidate := range list {
			if valuesEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, &Warning{
			Code:    WarnUnknownOperator,
			Message: fmt.Sprintf("condition on %q uses unknown operator %q", cond.Field, cond.RawOperator),
		}
	}
}

// valuesEqual is strict equality with one concession to JSON/YAML decoding:
// numbers compare by value regardless of their Go numeric type.
func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
