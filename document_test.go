package bunmap

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testModel(t *testing.T, name string, schema Schema, opts ...ModelOption) (*Model, *testStore) {
	t.Helper()
	store := newTestStore()
	conn := readyConn(t, store, nil)
	m, err := conn.RegisterModel(name, schema, opts...)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return m, store
}

func userSchema() Schema {
	return Schema{
		"name": TypeString,
		"age":  TypeNumber,
		"tags": []any{TypeString},
		"profile": Schema{
			"bio":    TypeString,
			"handle": TypeString,
		},
	}
}

// --- Set and Get ---

func TestDocument_SetCastsAndMarks(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)

	if err := d.Set("age", "30"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := d.Get("age"); got != float64(30) {
		t.Errorf("age = %v (%T), want float64 30", got, got)
	}
	if !d.Modified("age") {
		t.Error("age not marked modified")
	}
	if got := d.ModifiedPaths(); !reflect.DeepEqual(got, []string{"age"}) {
		t.Errorf("modified paths = %v", got)
	}
}

func TestDocument_SetEqualValueLeavesClean(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	d.values["age"] = float64(30)

	if err := d.Set("age", 30); err != nil {
		t.Fatalf("set: %v", err)
	}
	if d.Modified() {
		t.Errorf("document dirty after writing the current value: %v", d.ModifiedPaths())
	}
}

func TestDocument_SetNestedPath(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)

	if err := d.Set("profile.bio", "hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := d.Get("profile.bio"); got != "hello" {
		t.Errorf("profile.bio = %v", got)
	}
	if !d.Modified("profile") {
		t.Error("ancestor profile should report modified")
	}
	if !d.Modified("profile.bio") {
		t.Error("profile.bio should report modified")
	}
	if d.Modified("profile.handle") {
		t.Error("sibling profile.handle should not report modified")
	}
}

func TestDocument_SetCastFailure(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)

	err := d.Set("age", "not a number")
	if !errors.Is(err, ErrCast) {
		t.Fatalf("got %v, want ErrCast", err)
	}
	if d.Modified() {
		t.Error("failed set left a mark")
	}
}

func TestDocument_SetUnknownPath(t *testing.T) {
	t.Run("strict rejects", func(t *testing.T) {
		m, _ := testModel(t, "User", userSchema())
		d := newDocument(m, false)
		if err := d.Set("nickname", "x"); !errors.Is(err, ErrSchema) {
			t.Fatalf("got %v, want ErrSchema", err)
		}
	})

	t.Run("loose stores verbatim", func(t *testing.T) {
		m, _ := testModel(t, "LooseUser", userSchema(), WithStrict(false))
		d := newDocument(m, false)
		if err := d.Set("nickname", "x"); err != nil {
			t.Fatalf("set: %v", err)
		}
		if got := d.Get("nickname"); got != "x" {
			t.Errorf("nickname = %v", got)
		}
		if !d.Modified("nickname") {
			t.Error("nickname not marked")
		}
	})
}

func TestDocument_SetRejectsArrayElementPaths(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	if err := d.Set("tags", []any{"go"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	err := d.Set("tags.0", "rust")
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("got %v, want ErrSchema", err)
	}
	var se *SchemaError
	if !errors.As(err, &se) || !strings.Contains(se.Reason, "ArraySet") {
		t.Errorf("error should point at ArraySet: %v", err)
	}
}

func TestDocument_SetRejectsPathsBeneathArrays(t *testing.T) {
	m, _ := testModel(t, "Post", Schema{
		"comments": []any{Schema{"body": TypeString}},
	})
	d := newDocument(m, false)

	if err := d.Set("comments.body", "x"); !errors.Is(err, ErrSchema) {
		t.Fatalf("got %v, want ErrSchema", err)
	}
}

func TestDocument_SetEmptyPath(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	if err := d.Set("", 1); !errors.Is(err, ErrSchema) {
		t.Fatalf("got %v, want ErrSchema", err)
	}
}

func TestDocument_Transforms(t *testing.T) {
	m, _ := testModel(t, "Account", Schema{
		"email": &Field{
			Type: TypeString,
			Set:  func(v any) any { s, _ := v.(string); return strings.ToLower(s) },
			Get:  func(v any) any { s, _ := v.(string); return "<" + s + ">" },
		},
	})
	d := newDocument(m, false)

	if err := d.Set("email", "Ada@Example.COM"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := getPath(d.values, "email"); got != "ada@example.com" {
		t.Errorf("stored = %v, want lowercased", got)
	}
	if got := d.Get("email"); got != "<ada@example.com>" {
		t.Errorf("get = %v, want getter applied", got)
	}
}

func TestDocument_GetArrayIndex(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	if err := d.Set("tags", []any{"go", "db"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if got := d.Get("tags.1"); got != "db" {
		t.Errorf("tags.1 = %v", got)
	}
	if got := d.Get("tags.9"); got != nil {
		t.Errorf("tags.9 = %v, want nil", got)
	}
}

// --- Array mutation ---

func TestDocument_ArraySetMarksElement(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	if err := d.Set("tags", []any{"go", "db"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	d.clearModified()

	if err := d.ArraySet("tags", 1, "sql"); err != nil {
		t.Fatalf("array set: %v", err)
	}
	if got := d.Get("tags.1"); got != "sql" {
		t.Errorf("tags.1 = %v", got)
	}
	if !d.Modified("tags") {
		t.Error("tags should report modified through the element mark")
	}
	if got := d.ModifiedPaths(); !reflect.DeepEqual(got, []string{"tags.1"}) {
		t.Errorf("modified paths = %v, want [tags.1]", got)
	}
}

func TestDocument_BareSliceWriteIsInvisible(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	if err := d.Set("tags", []any{"go", "db"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	d.clearModified()

	// Writing through the live slice changes the value without a mark.
	d.Get("tags").([]any)[0] = "rust"
	if d.Modified() {
		t.Fatal("bare slice write should not mark anything")
	}
	if got := d.Get("tags.0"); got != "rust" {
		t.Errorf("tags.0 = %v, the write itself should land", got)
	}

	// MarkModified is the documented escape hatch.
	d.MarkModified("tags")
	if !d.Modified("tags") {
		t.Error("tags not marked after MarkModified")
	}
}

func TestDocument_ArraySetErrors(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)

	if err := d.ArraySet("tags", 0, "x"); !errors.Is(err, ErrSchema) {
		t.Fatalf("unset array: got %v, want ErrSchema", err)
	}
	if err := d.ArraySet("name", 0, "x"); !errors.Is(err, ErrSchema) {
		t.Fatalf("non-array path: got %v, want ErrSchema", err)
	}
	if err := d.Set("tags", []any{"go"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := d.ArraySet("tags", 1, "x"); !errors.Is(err, ErrSchema) {
		t.Fatalf("out of range: got %v, want ErrSchema", err)
	}
	if err := d.ArraySet("tags", -1, "x"); !errors.Is(err, ErrSchema) {
		t.Fatalf("negative index: got %v, want ErrSchema", err)
	}
}

func TestDocument_ArrayPush(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)

	if err := d.ArrayPush("tags", "go", 42); err != nil {
		t.Fatalf("push: %v", err)
	}
	want := []any{"go", "42"}
	if got := d.Get("tags"); !reflect.DeepEqual(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
	if got := d.ModifiedPaths(); !reflect.DeepEqual(got, []string{"tags"}) {
		t.Errorf("modified paths = %v, want [tags]", got)
	}

	if err := d.ArrayPush("tags", "db"); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if got := len(d.Get("tags").([]any)); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
}

// --- Update payload ---

func TestDocument_PayloadCollapsesToAncestors(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)

	if err := d.Set("profile.bio", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := d.Set("profile", map[string]any{"bio": "y", "handle": "h"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := d.Set("age", 30); err != nil {
		t.Fatalf("set: %v", err)
	}

	set, unset := d.payload()
	if len(unset) != 0 {
		t.Errorf("unset = %v, want none", unset)
	}
	if len(set) != 2 {
		t.Fatalf("set = %v, want exactly profile and age", set)
	}
	if _, ok := set["profile.bio"]; ok {
		t.Error("profile.bio should be covered by the profile mark")
	}
	if got := set["profile"]; !reflect.DeepEqual(got, map[string]any{"bio": "y", "handle": "h"}) {
		t.Errorf("profile payload = %v", got)
	}
	if set["age"] != float64(30) {
		t.Errorf("age payload = %v", set["age"])
	}
}

func TestDocument_PayloadNilBecomesUnset(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	d.values["name"] = "ada"

	if err := d.Set("name", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	set, unset := d.payload()
	if len(set) != 0 {
		t.Errorf("set = %v, want empty", set)
	}
	if !reflect.DeepEqual(unset, []string{"name"}) {
		t.Errorf("unset = %v, want [name]", unset)
	}
}

func TestDocument_PayloadDepopulates(t *testing.T) {
	store := newTestStore()
	conn := readyConn(t, store, nil)
	users, err := conn.RegisterModel("User", Schema{"name": TypeString})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	posts, err := conn.RegisterModel("Post", Schema{
		"title":  TypeString,
		"author": Schema{"type": TypeObjectID, "ref": "User"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	author, err := users.Create(ctx, map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("create author: %v", err)
	}
	post, err := posts.Create(ctx, map[string]any{"title": "t", "author": author.ID()})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if err := post.Populate(ctx, PopulateOption{Path: "author"}); err != nil {
		t.Fatalf("populate: %v", err)
	}
	post.MarkModified("author")

	set, _ := post.payload()
	if got := set["author"]; got != author.ID() {
		t.Errorf("author payload = %v (%T), want the raw id", got, got)
	}
}

// --- New and defaults ---

func TestModelNew_AppliesDefaults(t *testing.T) {
	m, _ := testModel(t, "Job", Schema{
		"state":    &Field{Type: TypeString, Default: "pending"},
		"attempts": &Field{Type: TypeNumber, Default: 0.0},
		"name":     TypeString,
	})

	d, err := m.New(map[string]any{"name": "backfill", "attempts": 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := d.Get("state"); got != "pending" {
		t.Errorf("state = %v, want default", got)
	}
	if got := d.Get("attempts"); got != float64(3) {
		t.Errorf("attempts = %v, provided value should win over default", got)
	}
	if d.ID() == nil {
		t.Error("identifier default not applied")
	}
	if !d.IsNew() {
		t.Error("new document should report IsNew")
	}
	for _, p := range []string{"state", "name", "_id"} {
		if !d.Modified(p) {
			t.Errorf("%s not marked on a fresh document", p)
		}
	}
}

func TestModelNew_DefaultsAreIsolatedCopies(t *testing.T) {
	m, _ := testModel(t, "Doc", Schema{
		"meta": &Field{Type: TypeMixed, Default: map[string]any{"v": float64(1)}},
	})

	first, err := m.New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first.Get("meta").(map[string]any)["v"] = float64(99)

	second, err := m.New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := second.Get("meta").(map[string]any)["v"]; got != float64(1) {
		t.Errorf("default mutated across documents: %v", got)
	}
}

func TestModelNew_DefaultFuncRunsPerCall(t *testing.T) {
	n := 0
	m, _ := testModel(t, "Seq", Schema{
		"seq": &Field{Type: TypeNumber, DefaultFunc: func() any { n++; return float64(n) }},
	})

	a, err := m.New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := m.New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.Get("seq") == b.Get("seq") {
		t.Errorf("producer should run per call: %v == %v", a.Get("seq"), b.Get("seq"))
	}
}

func TestModelNew_UnknownKeys(t *testing.T) {
	t.Run("strict drops", func(t *testing.T) {
		m, _ := testModel(t, "StrictU", Schema{"name": TypeString})
		d, err := m.New(map[string]any{"name": "a", "legacy": 1})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if got := d.Get("legacy"); got != nil {
			t.Errorf("legacy = %v, want dropped", got)
		}
	})

	t.Run("loose keeps", func(t *testing.T) {
		m, _ := testModel(t, "LooseU", Schema{"name": TypeString}, WithStrict(false))
		d, err := m.New(map[string]any{"name": "a", "legacy": 1})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if got := d.Get("legacy"); got != 1 {
			t.Errorf("legacy = %v, want kept", got)
		}
	})
}

// --- Export ---

func TestDocument_MapDeepCopies(t *testing.T) {
	m, _ := testModel(t, "User", userSchema())
	d := newDocument(m, false)
	if err := d.Set("profile", map[string]any{"bio": "x"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	out := d.Map()
	out["profile"].(map[string]any)["bio"] = "mutated"
	if got := d.Get("profile.bio"); got != "x" {
		t.Errorf("Map aliases internal state: %v", got)
	}
}
