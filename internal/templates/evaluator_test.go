package templates

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

func testEnv() map[string]any {
	run := &store.PlaybookRun{
		ID:          uuid.New(),
		State:       schema.RunStateRunning,
		TriggerType: "message",
		TriggerData: map[string]any{"text": "Hello there", "count": 3, "tags": []any{"a", "b"}},
		Outputs:     map[string]map[string]any{"lookup": {"tier": "SMB"}},
		Cursor:      &schema.ActionReference{SequenceName: "main", StepID: "check", AttemptCount: 2},
	}
	org := &store.Organization{ID: uuid.New(), Name: "Acme", Slug: "acme"}
	pb := &store.Playbook{ID: uuid.New(), Name: "Triage", Slug: "triage"}
	return NewEnv(run, pb, org, nil)
}

func TestRender(t *testing.T) {
	e := NewEvaluator()
	ctx := context.Background()
	env := testEnv()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"plain string", "no templates", "no templates"},
		{"typed single template", "{{ trigger.count }}", 3},
		{"typed with spaces", "  {{ trigger.count + 1 }} ", 4},
		{"interpolated", "Hi {{ organization.name }}, tier={{ outputs.lookup.tier }}", "Hi Acme, tier=SMB"},
		{"missing renders empty", "[{{ trigger.nope }}]", "[]"},
		{"cursor fields", "{{ run.step }}#{{ run.attempt }}", "check#2"},
		{"list interpolated as json", "tags={{ trigger.tags }}", `tags=["a","b"]`},
		{"non-string passthrough", 42.0, 42.0},
		{"nested map", map[string]any{"k": "{{ playbook.slug }}"}, map[string]any{"k": "triage"}},
		{"builtin function", "{{ upper(trigger.text) }}", "HELLO THERE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(ctx, tt.in, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	e := NewEvaluator()
	ctx := context.Background()

	for name, in := range map[string]string{
		"unterminated": "Hello {{ trigger.text",
		"compile":      "{{ 1 + }}",
		"empty":        "{{   }}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Render(ctx, in, testEnv())
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeTemplate))
		})
	}
}

func TestRenderInputs_TaggedValues(t *testing.T) {
	e := NewEvaluator()
	raw := map[string]json.RawMessage{
		"left":       json.RawMessage(`"{{ outputs.lookup.tier }}"`),
		"comparison": json.RawMessage(`"Any"`),
		"right":      json.RawMessage(`[{"label":"Small business","value":"SMB"},{"label":"Biz","value":"{{ 'Business' + 'Plan' }}"}]`),
		"limit":      json.RawMessage(`5`),
	}

	inputs, err := e.RenderInputs(context.Background(), raw, testEnv())
	require.NoError(t, err)

	assert.Equal(t, "SMB", inputs["left"])
	assert.Equal(t, "Any", inputs["comparison"])
	assert.Equal(t, float64(5), inputs["limit"])
	assert.Equal(t, []schema.TaggedValue{
		{Label: "Small business", Value: "SMB"},
		{Label: "Biz", Value: "BusinessPlan"},
	}, inputs["right"])
}

func TestRenderInputs_ErrorNamesInput(t *testing.T) {
	e := NewEvaluator()
	_, err := e.RenderInputs(context.Background(), map[string]json.RawMessage{
		"body": json.RawMessage(`"{{ 1 + }}"`),
	}, nil)
	require.Error(t, err)

	var pbErr *schema.PlaybookError
	require.ErrorAs(t, err, &pbErr)
	assert.Equal(t, "body", pbErr.Details["input"])
	assert.Equal(t, "1 +", pbErr.Details["expression"])
}

func TestEvaluator_CacheIsConcurrencySafe(t *testing.T) {
	e := NewEvaluator()
	env := testEnv()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Evaluate(context.Background(), "trigger.count * 2", env)
			assert.NoError(t, err)
			assert.Equal(t, 6, v)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

func TestNewEnv_NilSafe(t *testing.T) {
	env := NewEnv(nil, nil, nil, nil)
	for _, k := range []string{"trigger", "outputs", "run", "playbook", "organization", "inputs"} {
		assert.NotNil(t, env[k], k)
	}
}
