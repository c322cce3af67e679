package bunmap

// Kind identifies the declared type of a schema path.
type Kind uint8

const (
	TypeInvalid Kind = iota
	TypeString
	TypeNumber // float64
	TypeBool
	TypeDate // time.Time
	TypeObjectID
	TypeMixed // stored as given; in-place mutation needs MarkModified
	TypeObject
	TypeArray
)

func (k Kind) String() string {
	switch k {
	case TypeString:
		return "String"
	case TypeNumber:
		return "Number"
	case TypeBool:
		return "Bool"
	case TypeDate:
		return "Date"
	case TypeObjectID:
		return "ObjectID"
	case TypeMixed:
		return "Mixed"
	case TypeObject:
		return "Object"
	case TypeArray:
		return "Array"
	default:
		return "Invalid"
	}
}

// Schema is the declarative description of a model: a tree of field
// declarations keyed by field name. A declaration value is one of:
//
//   - a Kind (shorthand):            "name": TypeString
//   - a nested Schema:               "meta": Schema{"views": TypeNumber}
//   - an array declaration:          "tags": []any{TypeString}
//   - a *Field (full form):          "age": &Field{Type: TypeNumber, Default: 0.0}
//   - a Schema with a "type" key (map form of *Field):
//     "email": Schema{"type": TypeString, "unique": true}
//
// The key "type" is reserved at the first level of a declaration map: its
// presence makes the map a field declaration rather than a nested object.
// The single exception implements the one-level lookahead rule: when the
// "type" value is itself a map containing a "type" key, the outer map is a
// nested object owning a literal field named "type":
//
//	"asset": Schema{
//	    "type":   Schema{"type": TypeString}, // literal field "type"
//	    "ticker": TypeString,
//	}
type Schema map[string]any

// Reserved option keys recognized inside a map-form field declaration.
// Unknown keys are ignored and logged at debug level.
const (
	optType     = "type"
	optDefault  = "default"
	optRequired = "required"
	optUnique   = "unique"
	optIndex    = "index"
	optRef      = "ref"
	optGet      = "get"
	optSet      = "set"
	optValidate = "validate"
)

// Field is the full form of a single field declaration.
type Field struct {
	// Type is the declared kind. TypeObject and TypeArray are normally
	// declared with a nested Schema or []any literal instead; when Type is
	// TypeArray, Elem holds the element declaration.
	Type Kind

	// Elem declares the element of a TypeArray field: a Kind, a Schema, a
	// *Field, or nil for a Mixed-element array.
	Elem any

	// Ref names the target model of a reference field. Valid on
	// TypeObjectID and TypeString fields. The target is resolved lazily at
	// populate time, so the referenced model may register later.
	Ref string

	// Default is a literal default value, applied on New when the input
	// omits the path. DefaultFunc is the zero-argument producer form; it
	// wins when both are set.
	Default     any
	DefaultFunc func() any

	// Required rejects saves that leave the path unset.
	Required bool

	// Unique declares a uniqueness constraint, built asynchronously by the
	// index lifecycle tracker. Until the build reaches ready, the backing
	// store does not reject violating writes; await Model.Init first when
	// that matters.
	Unique bool

	// Index declares a non-unique secondary index, built like Unique.
	Index bool

	// Get transforms the stored value on read; Set transforms the incoming
	// value before casting on write.
	Get func(any) any
	Set func(any) any

	// Validate is a CEL expression evaluated on save against every set
	// value, with `value` bound to the cast value and `doc` to the
	// document map. It must evaluate to a boolean; false fails the save
	// with a *ValidationError.
	Validate string
}

// IndexSpec describes one declared secondary index on a compiled model.
type IndexSpec struct {
	Path   string
	Unique bool
}
