package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentType_IsValid(t *testing.T) {
	for _, typ := range AllTypes() {
		assert.True(t, typ.IsValid(), string(typ))
	}
	assert.False(t, FragmentType("persona").IsValid())
}

func TestNewFragment(t *testing.T) {
	f := NewFragment("greeting", TypeRole, "You are a guide.")

	assert.Equal(t, "greeting", f.ID)
	assert.True(t, f.IsActive)
	assert.NotEmpty(t, f.CurrentVersionID)
	assert.Equal(t, HashContent("You are a guide."), f.ContentHash)
	require.Len(t, f.VersionHistory, 1)
	assert.Equal(t, f.CurrentVersionID, f.VersionHistory[0].VersionID)
	assert.Equal(t, "You are a guide.", f.VersionHistory[0].Content)
}

func TestFragment_SealIsIdempotent(t *testing.T) {
	f := frag("a", TypeRole, 1, "text", nil)
	f.Seal("")
	f.Seal("a-v1")
	assert.Len(t, f.VersionHistory, 1)
	assert.Equal(t, "a-v1", f.CurrentVersionID)
}

func TestFragment_Validate(t *testing.T) {
	tests := []struct {
		name    string
		f       *Fragment
		wantErr string
	}{
		{"valid", frag("ok", TypeContext, 1, "Hi {{who}}", []Variable{{Name: "who", Source: "user"}}), ""},
		{"missing name", &Fragment{Type: TypeRole}, "name is required"},
		{"unknown type", &Fragment{Name: "x", Type: "persona"}, "unknown type"},
		{"undeclared placeholder", &Fragment{Name: "x", Type: TypeRole, Content: "Hi {{who}}"}, "{{who}} is not declared"},
		{"duplicate variable", &Fragment{Name: "x", Type: TypeRole, Content: "{{a}}", Variables: []Variable{{Name: "a"}, {Name: "a"}}}, "duplicate variable"},
		{"empty variable name", &Fragment{Name: "x", Type: TypeRole, Variables: []Variable{{Source: "a"}}}, "variable name is required"},
		{"empty condition field", &Fragment{Name: "x", Type: TypeRole, Conditions: []Condition{NewCondition("", "exists", nil)}}, "condition field is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFragment_ValidateLiveMatchesHistory(t *testing.T) {
	f := frag("intro", TypeInstruction, 10, "old body", nil)
	require.NoError(t, f.Validate())

	edited := f.Clone()
	edited.Content = "new body"
	edited.Seal("")
	err := edited.Validate()
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), `"intro-v1"`)

	t.Run("priority change counts", func(t *testing.T) {
		edited := f.Clone()
		edited.Priority = 99
		assert.Error(t, edited.Validate())
	})

	t.Run("new version id is fine", func(t *testing.T) {
		edited := f.Clone()
		edited.Content = "new body"
		edited.Seal("intro-v2")
		require.NoError(t, edited.Validate())
		assert.Equal(t, []string{"intro-v1", "intro-v2"}, edited.VersionIDs())
	})
}

func TestFragment_CheckVersions(t *testing.T) {
	stored := frag("intro", TypeInstruction, 10, "Pick {{x}}", []Variable{{Name: "x", Source: "x"}},
		NewCondition("lvl", "in", []string{"A", "B"}))

	// Same fields decoded from JSON compare equal.
	same := stored.Clone()
	same.Conditions = []Condition{NewCondition("lvl", "in", []any{"A", "B"})}
	same.VersionHistory[0].Conditions = same.Conditions
	assert.NoError(t, same.CheckVersions(stored))
	assert.NoError(t, same.CheckVersions(nil))

	fresh := frag("intro", TypeInstruction, 10, "Something else", nil)
	err := fresh.CheckVersions(stored)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestFragment_Lint(t *testing.T) {
	f := frag("x", TypeRole, 1, "Hello {{name}}",
		[]Variable{{Name: "name", Source: "user.name"}, {Name: "unused", Source: "user.age"}},
		NewCondition("user", "smells_like", "x"))

	warnings := f.Lint()
	assert.Equal(t, []WarningCode{WarnUnusedVariable, WarnUnknownOperator}, warningCodes(warnings))
	assert.Contains(t, warnings[1].Message, "smells_like")
}

func TestFragment_Revise(t *testing.T) {
	f := frag("intro", TypeInstruction, 10, "Old text", nil)

	err := f.Revise(Revision{VersionID: "intro-v2", Content: "New {{x}}", Variables: []Variable{{Name: "x", Source: "x"}}, Priority: 20})
	require.NoError(t, err)

	assert.Equal(t, "intro-v2", f.CurrentVersionID)
	assert.Equal(t, "New {{x}}", f.Content)
	assert.Equal(t, 20, f.Priority)
	assert.Equal(t, []string{"intro-v1", "intro-v2"}, f.VersionIDs())
	assert.Equal(t, "Old text", f.VersionHistory[0].Content)
	assert.True(t, f.HasVersion("intro-v1"))
	assert.False(t, f.HasVersion("intro-v9"))

	t.Run("reusing a version id fails", func(t *testing.T) {
		err := f.Revise(Revision{VersionID: "intro-v1", Content: "again"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Equal(t, "intro-v2", f.CurrentVersionID)
	})

	t.Run("invalid revision leaves fragment untouched", func(t *testing.T) {
		err := f.Revise(Revision{Content: "{{undeclared}}"})
		require.Error(t, err)
		assert.Len(t, f.VersionHistory, 2)
		assert.Equal(t, "New {{x}}", f.Content)
	})

	t.Run("generated id", func(t *testing.T) {
		require.NoError(t, f.Revise(Revision{Content: "third"}))
		assert.Len(t, f.VersionHistory, 3)
		assert.NotEmpty(t, f.CurrentVersionID)
	})
}

func TestFragment_CloneIsDeep(t *testing.T) {
	f := frag("x", TypeRole, 1, "{{a}}", []Variable{{Name: "a", Source: "a"}}, NewCondition("a", "exists", nil))
	c := f.Clone()

	c.Variables[0].DefaultValue = "changed"
	c.Conditions[0].Field = "b"
	c.VersionHistory[0].Content = "changed"

	assert.Empty(t, f.Variables[0].DefaultValue)
	assert.Equal(t, "a", f.Conditions[0].Field)
	assert.Equal(t, "{{a}}", f.VersionHistory[0].Content)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b.c", "d-e"}, Placeholders("{{a}} {{ b.c }} {{a}} {{d-e}} { {x} }"))
	assert.Empty(t, Placeholders("no tokens"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
