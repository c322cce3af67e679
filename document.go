package bunmap

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Document is one schema-mapped record bound to its model. Reads and writes
// go through path accessors so the document can track exactly which paths
// changed; saves send only those paths to the store.
//
// A document is not safe for concurrent mutation. Save is guarded: while one
// Save is in flight a second call fails fast with ConcurrentSaveError and
// leaves the first undisturbed.
type Document struct {
	model     *Model
	values    map[string]any
	modified  map[string]struct{}
	populated map[string]struct{}
	isNew     bool
	saving    atomic.Bool
}

func newDocument(m *Model, isNew bool) *Document {
	return &Document{
		model:     m,
		values:    make(map[string]any),
		modified:  make(map[string]struct{}),
		populated: make(map[string]struct{}),
		isNew:     isNew,
	}
}

// ID returns the document identifier, nil before one is assigned.
func (d *Document) ID() any {
	v, _ := getPath(d.values, fieldID)
	return v
}

// IsNew reports whether the document has never been written to the store.
func (d *Document) IsNew() bool { return d.isNew }

// ModelName returns the name the document's model was registered under.
func (d *Document) ModelName() string { return d.model.name }

// Get returns the value at a dotted path, nil when unset. Numeric segments
// index into arrays, and paths may cross populated references. A getter
// declared on the field applies to the returned value.
//
// Arrays come back as the live slice. Writing an element through that slice
// is invisible to change tracking; use ArraySet, or write through the slice
// and call MarkModified.
func (d *Document) Get(path string) any {
	v, ok := getPath(d.values, path)
	if !ok {
		return nil
	}
	if cf := d.model.schema.paths[path]; cf != nil && cf.getter != nil {
		return cf.getter(v)
	}
	return v
}

// Set casts v to the declared type at path, stores it, and marks the path
// modified. Setting a value equal to the current one leaves the document
// unmodified. Setting nil clears the path: the next save unsets it in the
// store.
//
// Unknown paths are an error in strict mode and stored as-is otherwise.
// Paths addressing array elements are rejected; use ArraySet.
func (d *Document) Set(path string, v any) error {
	if path == "" {
		return &SchemaError{Reason: "empty path"}
	}
	if p, ok := d.populatedPrefix(path); ok && p != path {
		return &SchemaError{Path: path, Reason: fmt.Sprintf("path crosses populated reference %q, set on the target document", p)}
	}
	cf := d.model.schema.paths[path]
	if cf == nil {
		if p, ok := d.arrayElementPrefix(path); ok {
			return &SchemaError{Path: path, Reason: fmt.Sprintf("path addresses an element of %q, use ArraySet", p)}
		}
		if d.model.strict {
			return &SchemaError{Path: path, Reason: "unknown path"}
		}
		setPath(d.values, path, deepCopyValue(v))
		d.mark(path)
		return nil
	}
	if cf.inArray {
		return &SchemaError{Path: path, Reason: "path lies beneath an array, set the element through ArraySet"}
	}
	if cf.setter != nil {
		v = cf.setter(v)
	}
	cast, err := castValue(path, cf, v, d.model.strict)
	if err != nil {
		return err
	}
	if cur, ok := getPath(d.values, path); ok && reflect.DeepEqual(cur, cast) {
		return nil
	}
	setPath(d.values, path, cast)
	for p := range d.populated {
		if p == path || strings.HasPrefix(p, path+".") {
			delete(d.populated, p)
		}
	}
	d.mark(path)
	return nil
}

// ArraySet casts v to the element type of the array at path and writes it at
// index i, marking the element modified. The index must address an existing
// element; grow arrays with ArrayPush.
func (d *Document) ArraySet(path string, i int, v any) error {
	cf := d.model.schema.paths[path]
	if cf == nil || cf.kind != TypeArray {
		return &SchemaError{Path: path, Reason: "not an array path"}
	}
	cur, _ := getPath(d.values, path)
	arr, ok := cur.([]any)
	if !ok {
		return &SchemaError{Path: path, Reason: "array is unset"}
	}
	if i < 0 || i >= len(arr) {
		return &SchemaError{Path: path, Reason: fmt.Sprintf("index %d out of range for length %d", i, len(arr))}
	}
	elemPath := path + "." + strconv.Itoa(i)
	cast, err := castValue(elemPath, cf.elem, v, d.model.strict)
	if err != nil {
		return err
	}
	arr[i] = cast
	d.mark(elemPath)
	return nil
}

// ArrayPush casts each value to the element type of the array at path and
// appends them, creating the array when unset. The whole array is marked
// modified since its length changed.
func (d *Document) ArrayPush(path string, vs ...any) error {
	cf := d.model.schema.paths[path]
	if cf == nil || cf.kind != TypeArray {
		return &SchemaError{Path: path, Reason: "not an array path"}
	}
	var arr []any
	if cur, ok := getPath(d.values, path); ok && cur != nil {
		if a, ok := cur.([]any); ok {
			arr = a
		} else {
			return &SchemaError{Path: path, Reason: "value is not an array"}
		}
	}
	for _, v := range vs {
		cast, err := castValue(path+"."+strconv.Itoa(len(arr)), cf.elem, v, d.model.strict)
		if err != nil {
			return err
		}
		arr = append(arr, cast)
	}
	setPath(d.values, path, arr)
	d.mark(path)
	return nil
}

// MarkModified marks a path dirty without writing through it. Use it after
// mutating a slice returned by Get, where the write itself cannot be seen.
func (d *Document) MarkModified(path string) {
	d.mark(path)
}

// Modified reports whether anything is marked, or with a path, whether that
// path, a descendant of it, or an ancestor covering it is marked.
func (d *Document) Modified(path ...string) bool {
	if len(path) == 0 {
		return len(d.modified) > 0
	}
	p := path[0]
	for m := range d.modified {
		if m == p || strings.HasPrefix(m, p+".") || strings.HasPrefix(p, m+".") {
			return true
		}
	}
	return false
}

// ModifiedPaths returns the marked paths in sorted order.
func (d *Document) ModifiedPaths() []string {
	out := make([]string, 0, len(d.modified))
	for m := range d.modified {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Populated reports whether path currently holds resolved reference targets.
func (d *Document) Populated(path string) bool {
	_, ok := d.populated[path]
	return ok
}

// Depopulate restores the raw identifiers at a populated path.
func (d *Document) Depopulate(path string) {
	if _, ok := d.populated[path]; !ok {
		return
	}
	v, _ := getPath(d.values, path)
	setPath(d.values, path, exportValue(v, true))
	delete(d.populated, path)
}

// Map returns the document as a deep copy of plain maps and slices.
// Populated paths carry their targets embedded as maps.
func (d *Document) Map() map[string]any {
	return exportMap(d.values, false)
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}

// Save writes the document through its connection: a full insert on first
// save, afterwards an update carrying only the marked paths collapsed to
// their shallowest marked ancestors, with cleared paths sent as unsets.
// Populated references are written as identifiers, never embedded copies.
//
// While a save is in flight a concurrent Save fails with
// ConcurrentSaveError and the in-flight save continues unaffected.
func (d *Document) Save(ctx context.Context) error {
	if !d.saving.CompareAndSwap(false, true) {
		return &ConcurrentSaveError{Model: d.model.name, ID: d.ID()}
	}
	defer d.saving.Store(false)
	return d.model.exec(ctx, "save", func(ctx context.Context) error {
		return d.save(ctx)
	})
}

func (d *Document) save(ctx context.Context) error {
	m := d.model
	if m.timestamps {
		d.touch()
	}
	if err := d.validate(); err != nil {
		return err
	}
	if d.isNew {
		doc := exportMap(d.values, true)
		ids, err := m.store().Insert(ctx, m.collection, []map[string]any{doc})
		if err != nil {
			return fmt.Errorf("insert into %s: %w", m.collection, err)
		}
		if len(ids) == 1 && d.ID() == nil {
			setPath(d.values, fieldID, ids[0])
		}
		d.isNew = false
		d.clearModified()
		m.log().Debug("document inserted", "model", m.name, "id", fmt.Sprint(d.ID()))
		return nil
	}
	set, unset := d.payload()
	if len(set) == 0 && len(unset) == 0 {
		return nil
	}
	if err := m.store().Update(ctx, m.collection, d.ID(), set, unset); err != nil {
		return fmt.Errorf("update %s %v: %w", m.collection, d.ID(), err)
	}
	d.clearModified()
	m.log().Debug("document updated", "model", m.name, "id", fmt.Sprint(d.ID()), "paths", len(set)+len(unset))
	return nil
}

// Delete removes the document from its collection. Deleting an unsaved
// document is not an error.
func (d *Document) Delete(ctx context.Context) error {
	return d.model.exec(ctx, "delete", func(ctx context.Context) error {
		if err := d.model.store().Delete(ctx, d.model.collection, d.ID()); err != nil {
			return fmt.Errorf("delete from %s: %w", d.model.collection, err)
		}
		return nil
	})
}

func (d *Document) touch() {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if d.isNew {
		if v, ok := getPath(d.values, fieldCreatedAt); !ok || v == nil {
			setPath(d.values, fieldCreatedAt, now)
			d.mark(fieldCreatedAt)
		}
	}
	setPath(d.values, fieldUpdatedAt, now)
	d.mark(fieldUpdatedAt)
}

// validate enforces required fields and runs field validators over the
// current values, then the model's JSON Schema when one is attached.
func (d *Document) validate() error {
	m := d.model
	paths := make([]string, 0, len(m.schema.paths))
	for p := range m.schema.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var docMap map[string]any
	for _, p := range paths {
		cf := m.schema.paths[p]
		if cf.inArray {
			continue
		}
		v, ok := getPath(d.values, p)
		if cf.required && (!ok || v == nil) {
			return &ValidationError{Path: p, Reason: "required"}
		}
		if cf.validate != nil && ok && v != nil {
			if docMap == nil {
				docMap = exportMap(d.values, true)
			}
			if err := runValidator(cf.validate, p, exportValue(v, true), docMap); err != nil {
				return err
			}
		}
	}
	if m.jsonSchema != nil {
		if err := validateJSONSchema(m.jsonSchema, exportMap(d.values, true)); err != nil {
			return err
		}
	}
	return nil
}

// payload collapses the marked paths to their shallowest marked ancestors
// and splits them into set values and unset paths.
func (d *Document) payload() (map[string]any, []string) {
	paths := d.ModifiedPaths()
	collapsed := make([]string, 0, len(paths))
	for _, p := range paths {
		if n := len(collapsed); n > 0 && strings.HasPrefix(p, collapsed[n-1]+".") {
			continue
		}
		collapsed = append(collapsed, p)
	}
	set := make(map[string]any, len(collapsed))
	var unset []string
	for _, p := range collapsed {
		v, ok := getPath(d.values, p)
		if !ok || v == nil {
			unset = append(unset, p)
			continue
		}
		set[p] = exportValue(v, true)
	}
	return set, unset
}

func (d *Document) mark(path string) {
	d.modified[path] = struct{}{}
}

func (d *Document) clearModified() {
	d.modified = make(map[string]struct{})
}

// populatedPrefix returns the first populated path that is a prefix of (or
// equal to) path.
func (d *Document) populatedPrefix(path string) (string, bool) {
	for p := range d.populated {
		if p == path || strings.HasPrefix(path, p+".") {
			return p, true
		}
	}
	return "", false
}

// arrayElementPrefix reports whether path addresses an element of a declared
// array: some prefix resolves to an array field and the next segment is
// numeric.
func (d *Document) arrayElementPrefix(path string) (string, bool) {
	segs := splitPath(path)
	for i := 1; i < len(segs); i++ {
		prefix := strings.Join(segs[:i], ".")
		if cf := d.model.schema.paths[prefix]; cf != nil && cf.kind == TypeArray {
			if _, err := strconv.Atoi(segs[i]); err == nil {
				return prefix, true
			}
		}
	}
	return "", false
}

// getPath walks a value tree by dotted path. Numeric segments index arrays
// and populated references are traversed into their targets.
func getPath(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, s := range splitPath(path) {
		if doc, ok := cur.(*Document); ok {
			cur = doc.values
		}
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[s]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes v at a dotted path, creating intermediate maps for missing
// segments. Numeric segments write into existing array slots only.
func setPath(root map[string]any, path string, v any) {
	segs := splitPath(path)
	var cur any = root
	for i, s := range segs {
		last := i == len(segs)-1
		switch t := cur.(type) {
		case map[string]any:
			if last {
				t[s] = v
				return
			}
			next, ok := t[s]
			if !ok || next == nil {
				child := make(map[string]any)
				t[s] = child
				cur = child
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(s)
			if err != nil || idx < 0 || idx >= len(t) {
				return
			}
			if last {
				t[idx] = v
				return
			}
			cur = t[idx]
		default:
			return
		}
	}
}

func exportMap(m map[string]any, depopulate bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = exportValue(v, depopulate)
	}
	return out
}

func exportValue(v any, depopulate bool) any {
	switch t := v.(type) {
	case *Document:
		if depopulate {
			return t.ID()
		}
		return t.Map()
	case map[string]any:
		return exportMap(t, depopulate)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = exportValue(e, depopulate)
		}
		return out
	default:
		return v
	}
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
