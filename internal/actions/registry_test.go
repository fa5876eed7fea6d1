package actions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/pkg/schema"
)

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	r := NewRegistry()

	for _, at := range []schema.ActionType{
		schema.ActionApproval,
		schema.ActionSignature,
		schema.ActionPayment,
		schema.ActionChecklist,
		schema.ActionEmail,
		schema.ActionWebhook,
	} {
		assert.NotNil(t, r.Handler(at), "missing handler for %s", at)
	}
	assert.Nil(t, r.Handler("TELEPORT"))
}

func TestRegistry_ValidateConfig(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name       string
		actionType schema.ActionType
		config     string
		wantErr    bool
	}{
		{"approval takes empty config", schema.ActionApproval, ``, false},
		{"signature requires document_name", schema.ActionSignature, `{}`, true},
		{"signature with document_name", schema.ActionSignature, `{"document_name": "Engagement Letter"}`, false},
		{"payment requires amount and currency", schema.ActionPayment, `{"amount": 500}`, true},
		{"payment complete", schema.ActionPayment, `{"amount": 500, "currency": "USD"}`, false},
		{"checklist rejects empty items", schema.ActionChecklist, `{"items": []}`, true},
		{"checklist with items", schema.ActionChecklist, `{"items": ["Verify ID"]}`, false},
		{"email requires to and subject", schema.ActionEmail, `{"to": "client@example.com"}`, true},
		{"email complete", schema.ActionEmail, `{"to": "client@example.com", "subject": "Welcome"}`, false},
		{"webhook rejects non-http url", schema.ActionWebhook, `{"url": "ftp://example.com"}`, true},
		{"webhook with https url", schema.ActionWebhook, `{"url": "https://example.com/hook"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateConfig(tt.actionType, json.RawMessage(tt.config))
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

func TestRegistry_ValidateConfigUnknownType(t *testing.T) {
	r := NewRegistry()

	err := r.ValidateConfig("TELEPORT", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}

func TestRegistry_ValidateOutput(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.ValidateOutput(schema.ActionApproval, nil))
	require.Error(t, r.ValidateOutput(schema.ActionApproval, map[string]any{"approved": "yes"}))
	assert.NoError(t, r.ValidateOutput(schema.ActionApproval, map[string]any{"approved": true}))

	require.Error(t, r.ValidateOutput(schema.ActionSignature, map[string]any{}))
	assert.NoError(t, r.ValidateOutput(schema.ActionSignature, map[string]any{"signed": true}))
}
