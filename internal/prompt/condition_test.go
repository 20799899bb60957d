package prompt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseOperator(t *testing.T) {
	tests := map[string]Operator{
		"equals":     OpEquals,
		"EQUALS":     OpEquals,
		"notEquals":  OpNotEquals,
		"not_equals": OpNotEquals,
		"exists":     OpExists,
		"notExists":  OpNotExists,
		"not_exists": OpNotExists,
		"in":         OpIn,
		" in ":       OpIn,
		"like":       OpUnknown,
		"":           OpUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseOperator(in), "ParseOperator(%q)", in)
	}
	assert.Equal(t, "notExists", OpNotExists.String())
	assert.Equal(t, "unknown", OpUnknown.String())
}

func TestEvaluate(t *testing.T) {
	ctx := Context{
		"place":    "Gent",
		"audience": "children",
		"level":    3,
		"lvl":      map[string]any{"code": "LOCAL"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals match", NewCondition("audience", "equals", "children"), true},
		{"equals mismatch", NewCondition("audience", "equals", "adults"), false},
		{"equals absent", NewCondition("missing", "equals", "x"), false},
		{"equals numeric across types", NewCondition("level", "equals", 3.0), true},
		{"equals is strict on type", NewCondition("level", "equals", "3"), false},
		{"notEquals mismatch", NewCondition("audience", "notEquals", "adults"), true},
		{"notEquals match", NewCondition("audience", "notEquals", "children"), false},
		{"notEquals absent", NewCondition("missing", "notEquals", "x"), true},
		{"exists present", NewCondition("context.place", "exists", nil), true},
		{"exists absent", NewCondition("context.region", "exists", nil), false},
		{"exists nested", NewCondition("lvl.code", "exists", nil), true},
		{"notExists absent", NewCondition("region", "notExists", nil), true},
		{"notExists present", NewCondition("place", "notExists", nil), false},
		{"in member", NewCondition("lvl.code", "in", []any{"LOCAL", "REGIONAL"}), true},
		{"in string slice", NewCondition("place", "in", []string{"Gent", "Brugge"}), true},
		{"in non member", NewCondition("place", "in", []any{"Antwerpen"}), false},
		{"in absent field", NewCondition("region", "in", []any{"A"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, w := Evaluate(tt.cond, ctx)
			assert.Nil(t, w)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_InOperator(t *testing.T) {
	cond := NewCondition("grade", "in", []any{"A", "B"})

	for _, grade := range []string{"A", "B"} {
		ok, w := Evaluate(cond, Context{"grade": grade})
		assert.True(t, ok, "grade %s", grade)
		assert.Nil(t, w)
	}
	for _, grade := range []any{"C", "a", nil} {
		ok, _ := Evaluate(cond, Context{"grade": grade})
		assert.False(t, ok, "grade %v", grade)
	}
}

func TestEvaluate_Warnings(t *testing.T) {
	t.Run("unknown operator is false with warning", func(t *testing.T) {
		ok, w := Evaluate(NewCondition("place", "like", "G%"), Context{"place": "Gent"})
		assert.False(t, ok)
		require.NotNil(t, w)
		assert.Equal(t, WarnUnknownOperator, w.Code)
		assert.Contains(t, w.Message, `"like"`)
	})

	t.Run("in with scalar value is false with warning", func(t *testing.T) {
		ok, w := Evaluate(NewCondition("place", "in", "Gent"), Context{"place": "Gent"})
		assert.False(t, ok)
		require.NotNil(t, w)
		assert.Equal(t, WarnInvalidConditionValue, w.Code)
	})
}

func TestCondition_YAML(t *testing.T) {
	src := `
- field: context.place
  operator: exists
- field: lvl.code
  operator: in
  value: [LOCAL, REGIONAL]
- field: audience
  operator: resembles
  value: kids
`
	var conds []Condition
	require.NoError(t, yaml.Unmarshal([]byte(src), &conds))
	require.Len(t, conds, 3)

	assert.Equal(t, OpExists, conds[0].Operator)
	assert.Equal(t, OpIn, conds[1].Operator)
	assert.Equal(t, []any{"LOCAL", "REGIONAL"}, conds[1].Value)
	assert.Equal(t, OpUnknown, conds[2].Operator)
	assert.Equal(t, "resembles", conds[2].RawOperator)

	out, err := yaml.Marshal(conds[2])
	require.NoError(t, err)
	assert.Contains(t, string(out), "operator: resembles")
}

func TestCondition_JSON(t *testing.T) {
	var c Condition
	require.NoError(t, json.Unmarshal([]byte(`{"field":"level","operator":"not_equals","value":2}`), &c))
	assert.Equal(t, OpNotEquals, c.Operator)

	ok, w := Evaluate(c, Context{"level": 3})
	assert.Nil(t, w)
	assert.True(t, ok)

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"field":"level","operator":"notEquals","value":2}`, string(data))
}
