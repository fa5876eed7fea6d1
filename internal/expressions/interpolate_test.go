package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderScope() *TemplateScope {
	return &TemplateScope{
		Step: map[string]any{
			"id":       "step-7",
			"title":    "Collect signature",
			"assignee": "user-12",
		},
		Instance: map[string]any{
			"id":        "inst-1",
			"matter_id": "matter-9",
		},
		Data: map[string]any{
			"client_name": "Dana Reyes",
			"amount":      1250.5,
			"approved":    true,
		},
		Config: map[string]any{
			"subject": "Reminder",
		},
	}
}

func TestRender_NoReferencesPassthrough(t *testing.T) {
	interp := NewInterpolator()

	out, err := interp.Render("nothing to substitute here", renderScope())
	require.NoError(t, err)
	assert.Equal(t, "nothing to substitute here", out)
}

func TestRender_Substitution(t *testing.T) {
	interp := NewInterpolator()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"data string", "Dear ${{ data.client_name }},", "Dear Dana Reyes,"},
		{"step scope", "Step ${{ step.title }} is ready", "Step Collect signature is ready"},
		{"instance scope", "Matter ${{ instance.matter_id }}", "Matter matter-9"},
		{"config scope", "${{ config.subject }}: please review", "Reminder: please review"},
		{"number", "Amount due: ${{ data.amount }}", "Amount due: 1250.5"},
		{"bool", "Approved: ${{ data.approved }}", "Approved: true"},
		{"expression", "Total: ${{ data.amount * 2 }}", "Total: 2501"},
		{"multiple refs", "${{ step.title }} / ${{ step.assignee }}", "Collect signature / user-12"},
		{"missing key renders empty", "x${{ data.missing }}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := interp.Render(tt.template, renderScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRender_NilScopeMaps(t *testing.T) {
	interp := NewInterpolator()

	out, err := interp.Render("hello ${{ data.name }}!", &TemplateScope{})
	require.NoError(t, err)
	assert.Equal(t, "hello !", out)
}

func TestRender_Rejections(t *testing.T) {
	interp := NewInterpolator()

	_, err := interp.Render("bad ${{ step.title", renderScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")

	_, err = interp.Render("bad ${{  }} ref", renderScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty template reference")

	_, err = interp.Render("bad ${{ a ${{ b }} }}", renderScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested")
}

func TestRender_CompileErrorSurfaces(t *testing.T) {
	interp := NewInterpolator()

	_, err := interp.Render("x ${{ 1 + }} y", renderScope())
	require.Error(t, err)
}

func TestRenderJSON(t *testing.T) {
	interp := NewInterpolator()

	raw := json.RawMessage(`{"matter": "${{ instance.matter_id }}", "amount": ${{ data.amount }}}`)
	out, err := interp.RenderJSON(raw, renderScope())
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Equal(t, "matter-9", payload["matter"])
	assert.Equal(t, 1250.5, payload["amount"])

	out, err = interp.RenderJSON(nil, renderScope())
	require.NoError(t, err)
	assert.Nil(t, []byte(out))
}
