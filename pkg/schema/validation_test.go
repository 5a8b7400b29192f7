package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation_String(t *testing.T) {
	tests := []struct {
		name string
		loc  Location
		want string
	}{
		{"definition", Location{}, ""},
		{"root field", AtRoot("start_sequence"), "start_sequence"},
		{"sequence", AtSequence("main"), "sequences.main"},
		{"first step", AtStep("main", 0, "greet"), "sequences.main.actions[0]"},
		{"step field", AtStep("main", 2, "check").Dot("branches").Dot("Failed"), "sequences.main.actions[2].branches.Failed"},
		{"trigger field", AtTrigger(1).Dot("filter"), "triggers[1].filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.loc.String())
		})
	}
}

func TestLocation_IsStep(t *testing.T) {
	assert.True(t, AtStep("main", 0, "greet").IsStep())
	assert.True(t, AtStep("main", 0, "greet").Dot("id").IsStep())
	assert.False(t, AtSequence("main").IsStep())
	assert.False(t, AtTrigger(0).IsStep())
}

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning(AtRoot("triggers"), ErrCodeValidation, "playbook has no triggers")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Equal(t, "triggers", r.Warnings[0].Path)
}

func TestValidationResult_MergeKeepsBothSides(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddErrorf(AtRoot("start_sequence"), ErrCodeValidation, "sequence %q missing", "main")

	r2 := &ValidationResult{}
	r2.AddError(AtSequence("main"), ErrCodeValidation, "empty")
	r2.AddWarning(AtRoot("triggers"), ErrCodeValidation, "none")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
	assert.Equal(t, `sequence "main" missing`, r1.Errors[0].Message)
}

func TestValidationResult_ForStep(t *testing.T) {
	r := &ValidationResult{}
	r.AddError(AtStep("main", 0, "greet").Dot("action"), ErrCodeStepTypeUnavailable, "unknown step type")
	r.AddWarning(AtStep("main", 0, "greet"), ErrCodeValidation, "unreachable")
	r.AddError(AtStep("main", 1, "check").Dot("id"), ErrCodeValidation, "duplicate")
	r.AddError(AtSequence("main"), ErrCodeValidation, "sequence level")

	got := r.ForStep("main", "greet")
	require.Len(t, got, 2)
	assert.Equal(t, SeverityError, got[0].Severity)
	assert.Equal(t, SeverityWarning, got[1].Severity)
	assert.Empty(t, r.ForStep("other", "greet"))
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("single error names the location", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError(AtStep("main", 0, "greet").Dot("action"), ErrCodeStepTypeUnavailable, "unknown step type")

		err := r.ToError()
		require.Error(t, err)

		var pe *PlaybookError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, ErrCodeValidation, pe.Code)
		assert.Equal(t, "sequences.main.actions[0].action: unknown step type", pe.Message)
		assert.Equal(t, 1, pe.Details["error_count"])
		assert.Equal(t, []string{"main"}, pe.Details["sequences"])
	})

	t.Run("definition level error has no prefix", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError(Location{}, ErrCodeValidation, "definition is nil")

		var pe *PlaybookError
		require.True(t, errors.As(r.ToError(), &pe))
		assert.Equal(t, "definition is nil", pe.Message)
		assert.NotContains(t, pe.Details, "sequences")
	})

	t.Run("multiple errors are counted", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError(AtSequence("main"), ErrCodeValidation, "err1")
		r.AddError(AtSequence("cleanup"), ErrCodeValidation, "err2")
		r.AddError(AtStep("main", 0, "a"), ErrCodeValidation, "err3")
		r.AddWarning(Location{}, ErrCodeValidation, "warn1")

		var pe *PlaybookError
		require.True(t, errors.As(r.ToError(), &pe))
		assert.Contains(t, pe.Message, "3 errors")
		assert.Equal(t, 1, pe.Details["warning_count"])
		assert.Equal(t, []string{"main", "cleanup"}, pe.Details["sequences"])
	})
}
