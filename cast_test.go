package bunmap

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func castField(kind Kind) *compiledField {
	return &compiledField{path: "f", kind: kind}
}

// --- Scalars ---

func TestCastValue_Scalars(t *testing.T) {
	oid := NewObjectID()
	when := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		kind Kind
		in   any
		want any
		fail bool
	}{
		{"string passthrough", TypeString, "hi", "hi", false},
		{"string from int", TypeString, 30, "30", false},
		{"string from float", TypeString, 1.5, "1.5", false},
		{"string from bool", TypeString, true, "true", false},
		{"string from objectid", TypeString, oid, oid.Hex(), false},
		{"string from slice fails", TypeString, []any{"a"}, nil, true},

		{"number passthrough", TypeNumber, 1.5, 1.5, false},
		{"number from int", TypeNumber, 30, float64(30), false},
		{"number from numeric string", TypeNumber, "30", float64(30), false},
		{"number from padded string", TypeNumber, " 30 ", float64(30), false},
		{"number from bool", TypeNumber, true, float64(1), false},
		{"number from word fails", TypeNumber, "thirty", nil, true},

		{"bool passthrough", TypeBool, true, true, false},
		{"bool from yes", TypeBool, "yes", true, false},
		{"bool from zero string", TypeBool, "0", false, false},
		{"bool from one", TypeBool, 1, true, false},
		{"bool from two fails", TypeBool, 2, nil, true},
		{"bool from word fails", TypeBool, "maybe", nil, true},

		{"date passthrough", TypeDate, when, when, false},
		{"date from rfc3339", TypeDate, "2024-06-01T12:00:00Z", when, false},
		{"date from date only", TypeDate, "2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"date from millis", TypeDate, float64(when.UnixMilli()), when, false},
		{"date from word fails", TypeDate, "yesterday", nil, true},

		{"objectid passthrough", TypeObjectID, oid, oid, false},
		{"objectid from hex", TypeObjectID, oid.Hex(), oid, false},
		{"objectid from bytes", TypeObjectID, oid[:], oid, false},
		{"objectid from short hex fails", TypeObjectID, "abc123", nil, true},
		{"objectid from number fails", TypeObjectID, 42, nil, true},

		{"mixed keeps anything", TypeMixed, map[string]any{"x": 1}, map[string]any{"x": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := castValue("f", castField(tt.kind), tt.in, true)
			if tt.fail {
				if !errors.Is(err, ErrCast) {
					t.Fatalf("got (%v, %v), want ErrCast", got, err)
				}
				var ce *CastError
				if !errors.As(err, &ce) {
					t.Fatal("error is not a *CastError")
				}
				if ce.Path != "f" || ce.Kind != tt.kind {
					t.Errorf("CastError = %+v, want path f kind %s", ce, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error: %v", err)
			}
			if w, ok := tt.want.(time.Time); ok {
				g, isTime := got.(time.Time)
				if !isTime || !g.Equal(w) {
					t.Fatalf("got %v, want %v", got, w)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestCastValue_NilIsNil(t *testing.T) {
	got, err := castValue("f", castField(TypeString), nil, true)
	if err != nil || got != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", got, err)
	}
}

// --- References ---

func TestCastValue_ReferenceAcceptsDocument(t *testing.T) {
	store := newTestStore()
	conn := readyConn(t, store, nil)
	users, err := conn.RegisterModel("User", Schema{"name": TypeString})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	author, err := users.Create(context.Background(), map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ref := &compiledField{path: "author", kind: TypeObjectID, ref: "User"}
	got, err := castValue("author", ref, author, true)
	if err != nil {
		t.Fatalf("expected no error: %v", err)
	}
	if got != author.ID() {
		t.Errorf("got %v, want the document id %v", got, author.ID())
	}

	// A document without an identifier cannot stand in for one.
	blank, err := users.New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	blank.values = map[string]any{}
	if _, err := castValue("author", ref, blank, true); !errors.Is(err, ErrCast) {
		t.Fatalf("got %v, want ErrCast", err)
	}
}

// --- Objects ---

func TestCastValue_ObjectStrictness(t *testing.T) {
	obj := &compiledField{
		path: "profile",
		kind: TypeObject,
		children: map[string]*compiledField{
			"bio": {path: "profile.bio", kind: TypeString},
		},
	}
	in := map[string]any{"bio": "x", "legacy": 1}

	strict, err := castValue("profile", obj, in, true)
	if err != nil {
		t.Fatalf("strict cast: %v", err)
	}
	if _, ok := strict.(map[string]any)["legacy"]; ok {
		t.Error("strict cast kept an unknown key")
	}

	loose, err := castValue("profile", obj, in, false)
	if err != nil {
		t.Fatalf("loose cast: %v", err)
	}
	if loose.(map[string]any)["legacy"] != 1 {
		t.Error("loose cast dropped the unknown key")
	}
}

func TestCastValue_ObjectRejectsScalar(t *testing.T) {
	obj := &compiledField{path: "profile", kind: TypeObject, children: map[string]*compiledField{}}
	if _, err := castValue("profile", obj, "nope", true); !errors.Is(err, ErrCast) {
		t.Fatalf("got %v, want ErrCast", err)
	}
}

// --- Arrays ---

func TestCastValue_Arrays(t *testing.T) {
	arr := &compiledField{
		path: "scores",
		kind: TypeArray,
		elem: &compiledField{path: "scores", kind: TypeNumber, inArray: true},
	}

	t.Run("elements cast member-wise", func(t *testing.T) {
		got, err := castValue("scores", arr, []any{1, "2", 3.5}, true)
		if err != nil {
			t.Fatalf("expected no error: %v", err)
		}
		want := []any{float64(1), float64(2), 3.5}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("typed slices convert", func(t *testing.T) {
		got, err := castValue("scores", arr, []int{1, 2}, true)
		if err != nil {
			t.Fatalf("expected no error: %v", err)
		}
		if !reflect.DeepEqual(got, []any{float64(1), float64(2)}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("element failure names the index", func(t *testing.T) {
		_, err := castValue("scores", arr, []any{1, "x"}, true)
		var ce *CastError
		if !errors.As(err, &ce) {
			t.Fatalf("got %v, want *CastError", err)
		}
		if ce.Path != "scores.1" {
			t.Errorf("error path = %q, want scores.1", ce.Path)
		}
	})

	t.Run("strings are not arrays", func(t *testing.T) {
		for _, in := range []any{"abc", []byte("abc"), 42} {
			if _, err := castValue("scores", arr, in, true); !errors.Is(err, ErrCast) {
				t.Errorf("%T: got %v, want ErrCast", in, err)
			}
		}
	})
}
