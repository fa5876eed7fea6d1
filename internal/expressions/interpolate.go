package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/harlowe/matterflow/pkg/schema"
)

// TemplateScope holds the data available inside ${{...}} references
// when rendering automation payloads (email subject/body, webhook
// bodies).
type TemplateScope struct {
	Step     map[string]any // step metadata: id, title, assignee, due_date
	Instance map[string]any // instance metadata: id, matter_id, contact_id
	Data     map[string]any // the step's runtime data
	Config   map[string]any // the step's action config
}

// Interpolator renders ${{ <expression> }} references within automation
// templates. Inner expressions are evaluated with expr-lang against the
// TemplateScope. Compiled programs are cached per expression.
type Interpolator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewInterpolator creates an Interpolator with an empty program cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{cache: make(map[string]*vm.Program)}
}

// Render substitutes every ${{...}} reference in the template.
// Nested references are rejected.
func (interp *Interpolator) Render(template string, scope *TemplateScope) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		expression := strings.TrimSpace(template[start:end])
		if expression == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty template reference: ${{  }}")
		}
		if strings.Contains(expression, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.eval(expression, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// RenderJSON renders ${{...}} references inside a raw JSON payload.
func (interp *Interpolator) RenderJSON(raw json.RawMessage, scope *TemplateScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	rendered, err := interp.Render(string(raw), scope)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(rendered), nil
}

func (interp *Interpolator) eval(expression string, scope *TemplateScope) (any, error) {
	prg, err := interp.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := map[string]any{
		"step":     orEmpty(scope.Step),
		"instance": orEmpty(scope.Instance),
		"data":     orEmpty(scope.Data),
		"config":   orEmpty(scope.Config),
	}

	val, err := expr.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"template expression %q failed: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return val, nil
}

func (interp *Interpolator) getOrCompile(expression string) (*vm.Program, error) {
	interp.mu.RLock()
	if prg, ok := interp.cache[expression]; ok {
		interp.mu.RUnlock()
		return prg, nil
	}
	interp.mu.RUnlock()

	interp.mu.Lock()
	defer interp.mu.Unlock()

	if prg, ok := interp.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"template expression %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	interp.cache[expression] = prg
	return prg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// stringify embeds a resolved value into the rendered text. Strings are
// embedded without quotes; complex values are JSON-encoded inline.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
