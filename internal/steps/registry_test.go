package steps

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/pkg/schema"
)

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&funcStep{name: "Echo"}))
	assert.True(t, reg.Has("Echo"))
	assert.Equal(t, 1, reg.Count())

	err := reg.Register(&funcStep{name: "Echo"})
	var pbErr *schema.PlaybookError
	require.True(t, errors.As(err, &pbErr))
	assert.Equal(t, schema.ErrCodeConflict, pbErr.Code)
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.HasCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(reg.Register(&funcStep{}), schema.ErrCodeValidation))
	assert.Zero(t, reg.Count())
}

func TestRegistry_GetMissing(t *testing.T) {
	_, err := NewRegistry().Get("Nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepTypeUnavailable))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	names := make([]string, 0)
	for _, d := range reg.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"ContinueIf", "Fail", "If", "SetOutput", "Wait"}, names)
}
