package actions

import "github.com/harlowe/matterflow/pkg/schema"

// staticHandler is the common shape of the built-in catalog: an action
// type plus its two schema documents.
type staticHandler struct {
	actionType   schema.ActionType
	configSchema []byte
	outputSchema []byte
}

func (h staticHandler) Type() schema.ActionType { return h.actionType }
func (h staticHandler) ConfigSchema() []byte    { return h.configSchema }
func (h staticHandler) OutputSchema() []byte    { return h.outputSchema }

func builtinHandlers() []Handler {
	return []Handler{
		staticHandler{
			actionType: schema.ActionApproval,
			configSchema: []byte(`{
				"type": "object",
				"properties": {
					"prompt": {"type": "string"},
					"options": {"type": "array", "items": {"type": "string"}, "minItems": 1}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["approved"],
				"properties": {
					"approved": {"type": "boolean"},
					"comment": {"type": "string"},
					"branch": {}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionSignature,
			configSchema: []byte(`{
				"type": "object",
				"required": ["document_name"],
				"properties": {
					"document_name": {"type": "string", "minLength": 1},
					"document_url": {"type": "string"},
					"signer_role": {"type": "string"}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["signed"],
				"properties": {
					"signed": {"type": "boolean"},
					"signed_at": {"type": "string"},
					"signature_ref": {"type": "string"}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionRequestDoc,
			configSchema: []byte(`{
				"type": "object",
				"required": ["document_name"],
				"properties": {
					"document_name": {"type": "string", "minLength": 1},
					"accepted_formats": {"type": "array", "items": {"type": "string"}},
					"instructions": {"type": "string"}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["document_ref"],
				"properties": {
					"document_ref": {"type": "string", "minLength": 1},
					"filename": {"type": "string"}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionPayment,
			configSchema: []byte(`{
				"type": "object",
				"required": ["amount", "currency"],
				"properties": {
					"amount": {"type": "number", "exclusiveMinimum": 0},
					"currency": {"type": "string", "minLength": 3, "maxLength": 3},
					"description": {"type": "string"}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["paid"],
				"properties": {
					"paid": {"type": "boolean"},
					"transaction_ref": {"type": "string"},
					"paid_amount": {"type": "number"}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionChecklist,
			configSchema: []byte(`{
				"type": "object",
				"required": ["items"],
				"properties": {
					"items": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["checked"],
				"properties": {
					"checked": {"type": "array", "items": {"type": "string"}}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionWriteText,
			configSchema: []byte(`{
				"type": "object",
				"properties": {
					"prompt": {"type": "string"},
					"min_length": {"type": "integer", "minimum": 0}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["text"],
				"properties": {
					"text": {"type": "string"}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionQuestionnaire,
			configSchema: []byte(`{
				"type": "object",
				"required": ["questions"],
				"properties": {
					"questions": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["key", "question"],
							"properties": {
								"key": {"type": "string", "minLength": 1},
								"question": {"type": "string", "minLength": 1},
								"required": {"type": "boolean"}
							}
						}
					}
				}
			}`),
			outputSchema: []byte(`{
				"type": "object",
				"required": ["answers"],
				"properties": {
					"answers": {"type": "object"}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionEmail,
			configSchema: []byte(`{
				"type": "object",
				"required": ["to", "subject"],
				"properties": {
					"to": {"type": "string", "minLength": 3},
					"subject": {"type": "string", "minLength": 1},
					"body": {"type": "string"}
				}
			}`),
		},
		staticHandler{
			actionType: schema.ActionWebhook,
			configSchema: []byte(`{
				"type": "object",
				"required": ["url"],
				"properties": {
					"url": {"type": "string", "pattern": "^https?://"},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"body": {"type": "object"}
				}
			}`),
		},
	}
}
