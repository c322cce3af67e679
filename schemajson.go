package bunmap

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseSchemaJSON decodes a schema written as JSON, for tooling that cannot
// build Schema literals. Type names stand in for kinds:
//
//	{"title": "string",
//	 "tags": ["string"],
//	 "author": {"type": "objectid", "ref": "User"},
//	 "asset": {"type": {"type": "string"}, "ticker": "string"}}
//
// A map declares a field when its "type" key holds a type name; a "type"
// key holding another map keeps the outer map a nested object with a
// literal field named "type", same as Schema's one-level lookahead.
func ParseSchemaJSON(data []byte) (Schema, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid schema JSON: %v", err)}
	}
	out := make(Schema, len(root))
	for name, decl := range root {
		d, err := parseDeclJSON(name, decl)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

func parseDeclJSON(path string, v any) (any, error) {
	switch t := v.(type) {
	case string:
		k, err := kindFromName(path, t)
		if err != nil {
			return nil, err
		}
		return k, nil
	case []any:
		if len(t) == 0 {
			return []any{}, nil
		}
		if len(t) > 1 {
			return nil, &SchemaError{Path: path, Reason: "array declarations take a single element"}
		}
		elem, err := parseDeclJSON(path, t[0])
		if err != nil {
			return nil, err
		}
		return []any{elem}, nil
	case map[string]any:
		switch tv := t[optType].(type) {
		case string:
			k, err := kindFromName(path, tv)
			if err != nil {
				return nil, err
			}
			return parseFieldJSON(path, k, nil, t)
		case []any:
			arr, err := parseDeclJSON(path, tv)
			if err != nil {
				return nil, err
			}
			var elem any
			if a := arr.([]any); len(a) == 1 {
				elem = a[0]
			}
			return parseFieldJSON(path, TypeArray, elem, t)
		}
		nested := make(Schema, len(t))
		for name, decl := range t {
			d, err := parseDeclJSON(path+"."+name, decl)
			if err != nil {
				return nil, err
			}
			nested[name] = d
		}
		return nested, nil
	default:
		return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("cannot declare a field from %T", v)}
	}
}

func parseFieldJSON(path string, k Kind, elem any, decl map[string]any) (*Field, error) {
	f := &Field{Type: k, Elem: elem}
	for key, val := range decl {
		switch key {
		case optType:
		case optRef:
			s, ok := val.(string)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "ref takes a model name"}
			}
			f.Ref = s
		case optRequired:
			b, ok := val.(bool)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "required takes a bool"}
			}
			f.Required = b
		case optUnique:
			b, ok := val.(bool)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "unique takes a bool"}
			}
			f.Unique = b
		case optIndex:
			b, ok := val.(bool)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "index takes a bool"}
			}
			f.Index = b
		case optDefault:
			f.Default = val
		case optValidate:
			s, ok := val.(string)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "validate takes a CEL expression"}
			}
			f.Validate = s
		}
	}
	return f, nil
}

func kindFromName(path, name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "string":
		return TypeString, nil
	case "number", "int", "float":
		return TypeNumber, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "date", "time":
		return TypeDate, nil
	case "objectid", "id":
		return TypeObjectID, nil
	case "mixed", "any":
		return TypeMixed, nil
	default:
		return TypeInvalid, &SchemaError{Path: path, Reason: fmt.Sprintf("unknown type name %q", name)}
	}
}
