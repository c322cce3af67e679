package bunmap

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
)

// compiledField is one recognized path of a compiled model. The set of
// compiledFields is the accessor shape shared by every document instance of
// the model; instances carry only values and modified-path markers.
type compiledField struct {
	path     string
	kind     Kind
	elem     *compiledField            // kind == TypeArray
	children map[string]*compiledField // kind == TypeObject
	ref      string
	def      any
	defFn    func() any
	required bool
	unique   bool
	index    bool
	getter   func(any) any
	setter   func(any) any
	validate cel.Program
	// inArray marks paths declared beneath an array element; they are
	// recognized for population but not directly settable.
	inArray bool
}

// compiledSchema is the immutable result of compiling a Schema: the field
// tree, the flattened path table, and the declared index set.
type compiledSchema struct {
	fields  map[string]*compiledField // top-level, keyed by name
	paths   map[string]*compiledField // every recognized dotted path
	indexes []IndexSpec
}

// compileSchema walks the declarative tree and produces the recognized path
// table. The root map is always a record of fields; the "type" keyword rule
// applies to declaration values only: a map value declares a field when it
// has a "type" key, unless that key's value is itself a map with a "type"
// key, in which case the value is a nested object with a literal field named
// "type" (one-level lookahead).
func compileSchema(s Schema, log *slog.Logger) (*compiledSchema, error) {
	if log == nil {
		log = slog.Default()
	}
	cs := &compiledSchema{
		fields: make(map[string]*compiledField),
		paths:  make(map[string]*compiledField),
	}
	for name, decl := range s {
		f, err := cs.addMember("", name, decl, false, log)
		if err != nil {
			return nil, err
		}
		if name == "_id" && f.kind != TypeObjectID && f.kind != TypeString && f.kind != TypeNumber {
			return nil, &SchemaError{Path: "_id", Reason: fmt.Sprintf("_id must be ObjectID, String or Number, not %s", f.kind)}
		}
		cs.fields[name] = f
	}
	if _, ok := cs.fields["_id"]; !ok {
		id := &compiledField{path: "_id", kind: TypeObjectID, defFn: func() any { return NewObjectID() }}
		cs.fields["_id"] = id
		cs.paths["_id"] = id
	}
	return cs, nil
}

// addMember validates one field name, compiles its declaration, and
// registers the resulting path and any declared index.
func (cs *compiledSchema) addMember(prefix, name string, decl any, inArray bool, log *slog.Logger) (*compiledField, error) {
	if err := validateSegment(name, prefix); err != nil {
		return nil, err
	}
	path := joinPath(prefix, name)
	f, err := cs.compileDecl(path, decl, inArray, log)
	if err != nil {
		return nil, err
	}
	cs.paths[path] = f
	if (f.unique || f.index) && f.kind != TypeObject {
		if inArray {
			return nil, &SchemaError{Path: path, Reason: "cannot declare an index beneath an array"}
		}
		cs.indexes = append(cs.indexes, IndexSpec{Path: path, Unique: f.unique})
	}
	return f, nil
}

// compileDecl compiles a single declaration value into a compiledField.
func (cs *compiledSchema) compileDecl(path string, decl any, inArray bool, log *slog.Logger) (*compiledField, error) {
	switch d := normalizeDecl(decl).(type) {
	case Kind:
		if d == TypeInvalid || d == TypeObject {
			return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("kind %s cannot be declared directly; use a nested Schema", d)}
		}
		if d == TypeArray {
			return cs.compileArray(path, nil, inArray, log)
		}
		return &compiledField{path: path, kind: d, inArray: inArray}, nil

	case []any:
		switch len(d) {
		case 0:
			return cs.compileArray(path, nil, inArray, log)
		case 1:
			return cs.compileArray(path, d[0], inArray, log)
		default:
			return nil, &SchemaError{Path: path, Reason: "array declaration must hold at most one element type"}
		}

	case *Field:
		return cs.compileField(path, d, inArray, log)

	case Schema:
		if tv, hasType := d[optType]; hasType && !isNestedTypeField(tv) {
			f, err := fieldFromMap(path, d, log)
			if err != nil {
				return nil, err
			}
			return cs.compileField(path, f, inArray, log)
		}
		// Nested object; a "type" key present here declares a literal field.
		obj := &compiledField{path: path, kind: TypeObject, children: make(map[string]*compiledField), inArray: inArray}
		for name, child := range d {
			cf, err := cs.addMember(path, name, child, inArray, log)
			if err != nil {
				return nil, err
			}
			obj.children[name] = cf
		}
		return obj, nil

	default:
		return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("unsupported declaration %T", decl)}
	}
}

// compileArray compiles an array declaration with the given element
// declaration (nil means Mixed elements). Element paths keep the array's
// prefix, so members of an element object register as "arr.child".
func (cs *compiledSchema) compileArray(path string, elemDecl any, inArray bool, log *slog.Logger) (*compiledField, error) {
	arr := &compiledField{path: path, kind: TypeArray, inArray: inArray}
	if elemDecl == nil {
		arr.elem = &compiledField{path: path, kind: TypeMixed, inArray: true}
		return arr, nil
	}
	elem, err := cs.compileDecl(path, elemDecl, true, log)
	if err != nil {
		return nil, err
	}
	arr.elem = elem
	return arr, nil
}

// compileField applies a full-form declaration.
func (cs *compiledSchema) compileField(path string, f *Field, inArray bool, log *slog.Logger) (*compiledField, error) {
	kind := f.Type
	if kind == TypeInvalid {
		return nil, &SchemaError{Path: path, Reason: "field declaration is missing a type"}
	}
	if kind == TypeObject {
		return nil, &SchemaError{Path: path, Reason: "declare nested objects with a nested Schema, not Field"}
	}
	if kind == TypeArray {
		arr, err := cs.compileArray(path, f.Elem, inArray, log)
		if err != nil {
			return nil, err
		}
		arr.required = f.Required
		arr.unique = f.Unique
		arr.index = f.Index
		arr.getter = f.Get
		arr.setter = f.Set
		if err := applyValidate(arr, f.Validate); err != nil {
			return nil, err
		}
		return arr, nil
	}

	cf := &compiledField{
		path:     path,
		kind:     kind,
		ref:      f.Ref,
		def:      f.Default,
		defFn:    f.DefaultFunc,
		required: f.Required,
		unique:   f.Unique,
		index:    f.Index,
		getter:   f.Get,
		setter:   f.Set,
		inArray:  inArray,
	}
	if cf.ref != "" && kind != TypeObjectID && kind != TypeString {
		return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("ref is only valid on ObjectID or String fields, not %s", kind)}
	}
	if err := applyValidate(cf, f.Validate); err != nil {
		return nil, err
	}
	if cf.def != nil && cf.defFn == nil {
		// Cast literal defaults now so a bad default fails the compile, not
		// the first New.
		cast, err := castValue(path, cf, cf.def, true)
		if err != nil {
			return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("default value does not cast: %v", err)}
		}
		cf.def = cast
	}
	return cf, nil
}

func applyValidate(cf *compiledField, src string) error {
	if src == "" {
		return nil
	}
	prg, err := compileValidator(src)
	if err != nil {
		return &SchemaError{Path: cf.path, Reason: fmt.Sprintf("invalid validate expression: %v", err)}
	}
	cf.validate = prg
	return nil
}

// fieldFromMap converts the map form of a field declaration into a *Field.
// Unknown option keys are ignored with a debug log.
func fieldFromMap(path string, d Schema, log *slog.Logger) (*Field, error) {
	f := &Field{}
	for key, v := range d {
		switch key {
		case optType:
			switch tv := normalizeDecl(v).(type) {
			case Kind:
				f.Type = tv
			case []any:
				f.Type = TypeArray
				switch len(tv) {
				case 0:
				case 1:
					f.Elem = tv[0]
				default:
					return nil, &SchemaError{Path: path, Reason: "array declaration must hold at most one element type"}
				}
			default:
				return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("unsupported type declaration %T", v)}
			}
		case optDefault:
			if fn, ok := v.(func() any); ok {
				f.DefaultFunc = fn
			} else {
				f.Default = v
			}
		case optRequired:
			b, ok := v.(bool)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "required option must be a bool"}
			}
			f.Required = b
		case optUnique:
			b, ok := v.(bool)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "unique option must be a bool"}
			}
			f.Unique = b
		case optIndex:
			b, ok := v.(bool)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "index option must be a bool"}
			}
			f.Index = b
		case optRef:
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, &SchemaError{Path: path, Reason: "ref option must be a non-empty model name"}
			}
			f.Ref = s
		case optGet:
			fn, ok := v.(func(any) any)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "get option must be a func(any) any"}
			}
			f.Get = fn
		case optSet:
			fn, ok := v.(func(any) any)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "set option must be a func(any) any"}
			}
			f.Set = fn
		case optValidate:
			s, ok := v.(string)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: "validate option must be a CEL source string"}
			}
			f.Validate = s
		default:
			log.Debug("ignoring unknown schema option", "path", path, "option", key)
		}
	}
	return f, nil
}

// isNestedTypeField reports whether the value of a "type" key is itself a
// field declaration rather than a type: a map containing a "type" key, or a
// *Field. Either way the outer map is a nested object owning a literal field
// named "type" (the one-level lookahead form {"type": {"type": TypeString}}).
func isNestedTypeField(v any) bool {
	switch m := normalizeDecl(v).(type) {
	case Schema:
		_, ok := m[optType]
		return ok
	case *Field:
		return true
	default:
		return false
	}
}

// normalizeDecl folds the accepted declaration spellings into canonical
// forms: map[string]any becomes Schema, Field becomes *Field.
func normalizeDecl(decl any) any {
	switch d := decl.(type) {
	case map[string]any:
		return Schema(d)
	case Field:
		return &d
	default:
		return decl
	}
}

func validateSegment(name, prefix string) error {
	path := joinPath(prefix, name)
	if name == "" {
		return &SchemaError{Path: path, Reason: "empty field name"}
	}
	if strings.Contains(name, ".") {
		return &SchemaError{Path: path, Reason: "field names must not contain dots"}
	}
	if strings.HasPrefix(name, "$") {
		return &SchemaError{Path: path, Reason: "field names must not start with $"}
	}
	if prefix == "" && strings.HasPrefix(name, "_") && name != "_id" {
		return &SchemaError{Path: path, Reason: "top-level underscore names are reserved (only _id is allowed)"}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}
