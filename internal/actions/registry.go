// Package actions defines the catalog of step action types: the JSON
// Schemas their config and completion payloads must satisfy, and the
// runners that execute automation steps without a human actor.
package actions

import (
	"encoding/json"

	"github.com/harlowe/matterflow/internal/validation"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Handler describes one action type. ConfigSchema and OutputSchema may
// return nil, meaning the corresponding document is unconstrained.
type Handler interface {
	Type() schema.ActionType
	ConfigSchema() []byte
	OutputSchema() []byte
}

// Registry maps action types to handlers and wires their schemas into
// a shared validator.
type Registry struct {
	handlers  map[schema.ActionType]Handler
	validator *validation.Validator
}

// NewRegistry builds a registry preloaded with every built-in handler.
func NewRegistry() *Registry {
	r := &Registry{
		handlers:  make(map[schema.ActionType]Handler),
		validator: validation.NewValidator(),
	}
	for _, h := range builtinHandlers() {
		r.Register(h)
	}
	return r
}

// Register adds or replaces the handler for its action type.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
	if s := h.ConfigSchema(); s != nil {
		r.validator.Register(h.Type(), validation.KindConfig, s)
	}
	if s := h.OutputSchema(); s != nil {
		r.validator.Register(h.Type(), validation.KindOutput, s)
	}
}

// Handler returns the handler for the action type, or nil.
func (r *Registry) Handler(t schema.ActionType) Handler {
	return r.handlers[t]
}

// ValidateConfig checks a template-authored action config.
func (r *Registry) ValidateConfig(t schema.ActionType, config json.RawMessage) error {
	if r.handlers[t] == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action type: %s", t)
	}
	return r.validator.Validate(t, validation.KindConfig, config)
}

// ValidateOutput checks a completion payload before it is merged into
// the step's data.
func (r *Registry) ValidateOutput(t schema.ActionType, output map[string]any) error {
	if r.handlers[t] == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action type: %s", t)
	}
	if output == nil {
		output = map[string]any{}
	}
	return r.validator.ValidateValue(t, validation.KindOutput, output)
}
