package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/pkg/schema"
)

const filingSchema = `{
	"type": "object",
	"required": ["court", "case_number"],
	"properties": {
		"court": {"type": "string", "minLength": 1},
		"case_number": {"type": "string", "pattern": "^[0-9]{2}-[0-9]+$"}
	}
}`

func TestValidate(t *testing.T) {
	v := NewValidator()
	v.Register("FILING", KindConfig, []byte(filingSchema))

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid document", `{"court": "Superior Court", "case_number": "26-10421"}`, false},
		{"missing required field", `{"court": "Superior Court"}`, true},
		{"pattern mismatch", `{"court": "Superior Court", "case_number": "ABC"}`, true},
		{"wrong type", `{"court": 7, "case_number": "26-10421"}`, true},
		{"empty document defaults to object", ``, true},
		{"not json at all", `{{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate("FILING", KindConfig, []byte(tt.doc))
			if tt.wantErr {
				require.Error(t, err)
				ferr, ok := err.(*schema.FlowError)
				require.True(t, ok)
				assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_UnregisteredPairAcceptsAnything(t *testing.T) {
	v := NewValidator()
	v.Register("FILING", KindConfig, []byte(filingSchema))

	assert.NoError(t, v.Validate("FILING", KindOutput, []byte(`{"anything": true}`)))
	assert.NoError(t, v.Validate("UNKNOWN", KindConfig, []byte(`[]`)))
}

func TestValidateValue(t *testing.T) {
	v := NewValidator()
	v.Register("FILING", KindConfig, []byte(filingSchema))

	assert.NoError(t, v.ValidateValue("FILING", KindConfig, map[string]any{
		"court":       "Superior Court",
		"case_number": "26-10421",
	}))
	require.Error(t, v.ValidateValue("FILING", KindConfig, map[string]any{"court": ""}))
}

func TestRegister_ReplacesSchema(t *testing.T) {
	v := NewValidator()
	v.Register("FILING", KindConfig, []byte(`{"type": "object", "required": ["a"]}`))
	require.Error(t, v.Validate("FILING", KindConfig, []byte(`{}`)))

	v.Register("FILING", KindConfig, []byte(`{"type": "object"}`))
	assert.NoError(t, v.Validate("FILING", KindConfig, []byte(`{}`)))
}

func TestValidate_BadSchemaSurfaces(t *testing.T) {
	v := NewValidator()
	v.Register("FILING", KindConfig, []byte(`not a schema`))

	err := v.Validate("FILING", KindConfig, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}
