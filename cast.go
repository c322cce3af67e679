package bunmap

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// castValue coerces a raw input value into the kind declared for a field.
// path is the effective dotted path used in errors (it carries array indexes,
// e.g. "tags.2", so it may differ from the field's declared path). strict
// controls whether unknown keys inside nested objects are dropped or kept.
//
// Casting applies to direct assignments, inputs to New, hydration of stored
// maps, and filter values over recognized paths. Raw store pipelines
// (aggregation-style multi-stage transforms) are deliberately outside its
// scope: intermediate stage shapes are not statically known, so callers
// pre-cast values they feed into such pipelines.
func castValue(path string, f *compiledField, v any, strict bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.ref != "" {
		if doc, ok := v.(*Document); ok {
			// Assigning a document to a reference path stores its identifier.
			v = doc.ID()
			if v == nil {
				return nil, &CastError{Path: path, Value: doc, Kind: f.kind}
			}
		}
	}
	switch f.kind {
	case TypeString:
		return castString(path, v)
	case TypeNumber:
		return castNumber(path, v)
	case TypeBool:
		return castBool(path, v)
	case TypeDate:
		return castDate(path, v)
	case TypeObjectID:
		return castObjectID(path, v)
	case TypeMixed:
		return v, nil
	case TypeObject:
		return castObject(path, f, v, strict)
	case TypeArray:
		return castArray(path, f, v, strict)
	default:
		return nil, &CastError{Path: path, Value: v, Kind: f.kind}
	}
}

func castString(path string, v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	case ObjectID:
		return s.Hex(), nil
	}
	if n, ok := toFloat(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	}
	return nil, &CastError{Path: path, Value: v, Kind: TypeString}
}

func castNumber(path string, v any) (any, error) {
	if n, ok := toFloat(v); ok {
		return n, nil
	}
	switch s := v.(type) {
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, &CastError{Path: path, Value: v, Kind: TypeNumber}
		}
		return n, nil
	case bool:
		if s {
			return float64(1), nil
		}
		return float64(0), nil
	}
	return nil, &CastError{Path: path, Value: v, Kind: TypeNumber}
}

func castBool(path string, v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, &CastError{Path: path, Value: v, Kind: TypeBool}
	}
	if n, ok := toFloat(v); ok {
		switch n {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	}
	return nil, &CastError{Path: path, Value: v, Kind: TypeBool}
}

func castDate(path string, v any) (any, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, d); err == nil {
				return t, nil
			}
		}
		return nil, &CastError{Path: path, Value: v, Kind: TypeDate}
	}
	if n, ok := toFloat(v); ok {
		// Numeric dates are Unix milliseconds.
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	return nil, &CastError{Path: path, Value: v, Kind: TypeDate}
}

// castObjectID accepts an ObjectID value, the 24-character hex string form,
// or the raw 12-byte form.
func castObjectID(path string, v any) (any, error) {
	switch id := v.(type) {
	case ObjectID:
		return id, nil
	case string:
		parsed, err := ObjectIDFromHex(id)
		if err != nil {
			return nil, &CastError{Path: path, Value: v, Kind: TypeObjectID}
		}
		return parsed, nil
	case []byte:
		parsed, err := ObjectIDFromBytes(id)
		if err != nil {
			return nil, &CastError{Path: path, Value: v, Kind: TypeObjectID}
		}
		return parsed, nil
	}
	return nil, &CastError{Path: path, Value: v, Kind: TypeObjectID}
}

// castObject recurses field-by-field. Unknown keys are dropped when strict,
// preserved verbatim otherwise.
func castObject(path string, f *compiledField, v any, strict bool) (any, error) {
	var raw map[string]any
	switch m := v.(type) {
	case map[string]any:
		raw = m
	case Schema:
		raw = m
	default:
		return nil, &CastError{Path: path, Value: v, Kind: TypeObject}
	}
	out := make(map[string]any, len(raw))
	for name, child := range f.children {
		rv, ok := raw[name]
		if !ok {
			continue
		}
		cv, err := castValue(joinPath(path, name), child, rv, strict)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	if !strict {
		for k, rv := range raw {
			if _, known := f.children[k]; !known {
				out[k] = rv
			}
		}
	}
	return out, nil
}

// castArray coerces element-wise over any slice input. Scalars fail: an
// array path only accepts arrays.
func castArray(path string, f *compiledField, v any, strict bool) (any, error) {
	var elems []any
	switch a := v.(type) {
	case []any:
		elems = a
	case []byte, string:
		return nil, &CastError{Path: path, Value: v, Kind: TypeArray}
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil, &CastError{Path: path, Value: v, Kind: TypeArray}
		}
		elems = make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elems[i] = rv.Index(i).Interface()
		}
	}
	out := make([]any, len(elems))
	for i, el := range elems {
		cv, err := castValue(path+"."+strconv.Itoa(i), f.elem, el, strict)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
