package bunmap

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/xeipuuv/gojsonschema"
)

var (
	celOnce sync.Once
	celEnv  *cel.Env
	celErr  error
)

// validatorEnv builds the shared CEL environment for field validators:
// `value` is the cast value of the validated path, `doc` the full document.
func validatorEnv() (*cel.Env, error) {
	celOnce.Do(func() {
		celEnv, celErr = cel.NewEnv(
			cel.Declarations(
				decls.NewVar("value", decls.Dyn),
				decls.NewVar("doc", decls.NewMapType(decls.String, decls.Dyn)),
			),
		)
	})
	return celEnv, celErr
}

// compileValidator compiles a validator expression at schema compile time so
// bad sources fail the model, not the first save.
func compileValidator(src string) (cel.Program, error) {
	env, err := validatorEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %s", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction error: %s", err)
	}
	return prg, nil
}

// runValidator evaluates a compiled validator. Non-boolean results and
// evaluation errors fail validation rather than being swallowed.
func runValidator(prg cel.Program, path string, value any, doc map[string]any) error {
	out, _, err := prg.Eval(map[string]any{
		"value": celSafe(value),
		"doc":   celSafe(doc),
	})
	if err != nil {
		return &ValidationError{Path: path, Value: value, Reason: fmt.Sprintf("validator error: %v", err)}
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return &ValidationError{Path: path, Value: value, Reason: "validator must return a boolean"}
	}
	if !ok {
		return &ValidationError{Path: path, Value: value, Reason: "validator returned false"}
	}
	return nil
}

// celSafe rewrites values CEL's default adapter cannot represent; object
// identifiers evaluate as their hex string form.
func celSafe(v any) any {
	switch t := v.(type) {
	case ObjectID:
		return t.Hex()
	case time.Time:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = celSafe(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = celSafe(e)
		}
		return out
	default:
		return v
	}
}

// compileJSONSchema compiles a model-level JSON Schema document validator.
func compileJSONSchema(src string) (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		return nil, fmt.Errorf("invalid json schema: %w", err)
	}
	return schema, nil
}

// validateJSONSchema checks the full exported document against the model's
// JSON Schema, reporting the first violation.
func validateJSONSchema(schema *gojsonschema.Schema, doc map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("json schema validation error: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	path := first.Field()
	if path == "(root)" {
		path = ""
	}
	return &ValidationError{Path: path, Value: first.Value(), Reason: first.Description()}
}
