// Package validation checks action config and completion payloads
// against per-type JSON Schemas.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/harlowe/matterflow/pkg/schema"
)

// Validator compiles and caches one JSON Schema per registered
// (actionType, kind) pair. Compilation happens once per schema under a
// double-checked lock; validation afterwards is lock-free reads.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	sources  map[string][]byte
}

// Kind separates the two documents a step carries per action type.
type Kind string

const (
	KindConfig Kind = "config" // template-authored configuration
	KindOutput Kind = "output" // completion payload
)

// NewValidator creates an empty validator. Register schemas before use.
func NewValidator() *Validator {
	return &Validator{
		compiled: make(map[string]*jsonschema.Schema),
		sources:  make(map[string][]byte),
	}
}

// Register associates a raw JSON Schema document with an action type
// and kind. Registration replaces any prior schema for the pair.
func (v *Validator) Register(actionType schema.ActionType, kind Kind, rawSchema []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := cacheKey(actionType, kind)
	v.sources[key] = rawSchema
	delete(v.compiled, key)
}

// Validate checks the document against the registered schema for the
// pair. A pair with no registered schema accepts anything.
func (v *Validator) Validate(actionType schema.ActionType, kind Kind, doc []byte) error {
	compiled, err := v.getOrCompile(actionType, kind)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}

	if len(doc) == 0 {
		doc = []byte("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s %s is not valid JSON", actionType, kind).WithCause(err)
	}
	if err := compiled.Validate(instance); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s %s rejected by schema", actionType, kind).WithCause(err)
	}
	return nil
}

// ValidateValue validates an already-decoded document.
func (v *Validator) ValidateValue(actionType schema.ActionType, kind Kind, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s %s cannot be encoded", actionType, kind).WithCause(err)
	}
	return v.Validate(actionType, kind, raw)
}

func (v *Validator) getOrCompile(actionType schema.ActionType, kind Kind) (*jsonschema.Schema, error) {
	key := cacheKey(actionType, kind)

	v.mu.RLock()
	if compiled, ok := v.compiled[key]; ok {
		v.mu.RUnlock()
		return compiled, nil
	}
	source, registered := v.sources[key]
	v.mu.RUnlock()

	if !registered {
		return nil, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.compiled[key]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(source))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"schema for %s is not valid JSON", key).WithCause(err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("https://matterflow.dev/schemas/%s/%s.json", actionType, kind)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"schema for %s rejected", key).WithCause(err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"schema for %s does not compile", key).WithCause(err)
	}

	v.compiled[key] = compiled
	return compiled, nil
}

func cacheKey(actionType schema.ActionType, kind Kind) string {
	return string(actionType) + ":" + string(kind)
}
