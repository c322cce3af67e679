package bunmap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const (
	fieldID        = "_id"
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
)

// Model binds a compiled schema to a collection on one connection. All
// reads produce hydrated documents and all writes go through the
// connection's readiness gate.
type Model struct {
	conn       *Connection
	name       string
	collection string
	schema     *compiledSchema
	strict     bool
	timestamps bool
	jsonSchema *gojsonschema.Schema
	indexes    *indexTracker
	indexOnce  sync.Once
}

func newModel(c *Connection, name string, schema Schema, opts ...ModelOption) (*Model, error) {
	if name == "" {
		return nil, &SchemaError{Reason: "empty model name"}
	}
	var mo modelOptions
	for _, opt := range opts {
		opt(&mo)
	}

	if mo.timestamps {
		schema = withTimestamps(schema)
	}
	cs, err := compileSchema(schema, c.log)
	if err != nil {
		return nil, err
	}

	m := &Model{
		conn:       c,
		name:       name,
		collection: collectionName(name),
		schema:     cs,
		strict:     c.opts.Strict,
		timestamps: mo.timestamps,
	}
	if mo.collection != "" {
		m.collection = mo.collection
	}
	if mo.strict != nil {
		m.strict = *mo.strict
	}
	if mo.jsonSchema != "" {
		js, err := compileJSONSchema(mo.jsonSchema)
		if err != nil {
			return nil, &SchemaError{Path: name, Reason: fmt.Sprintf("json schema: %v", err)}
		}
		m.jsonSchema = js
	}
	m.indexes = newIndexTracker(m)
	return m, nil
}

// collectionName derives a collection from a model name: lowercased, with a
// trailing s added unless one is already there.
func collectionName(name string) string {
	c := strings.ToLower(name)
	if !strings.HasSuffix(c, "s") {
		c += "s"
	}
	return c
}

// withTimestamps returns schema with createdAt and updatedAt date fields
// added when not already declared.
func withTimestamps(s Schema) Schema {
	out := make(Schema, len(s)+2)
	for k, v := range s {
		out[k] = v
	}
	if _, ok := out[fieldCreatedAt]; !ok {
		out[fieldCreatedAt] = &Field{Type: TypeDate}
	}
	if _, ok := out[fieldUpdatedAt]; !ok {
		out[fieldUpdatedAt] = &Field{Type: TypeDate}
	}
	return out
}

// Name returns the name the model was registered under.
func (m *Model) Name() string { return m.name }

// Collection returns the collection the model reads and writes.
func (m *Model) Collection() string { return m.collection }

// Connection returns the connection the model is bound to.
func (m *Model) Connection() *Connection { return m.conn }

// Indexes returns the index declarations compiled from the schema.
func (m *Model) Indexes() []IndexSpec {
	out := make([]IndexSpec, len(m.schema.indexes))
	copy(out, m.schema.indexes)
	return out
}

// Paths returns every recognized dotted path in sorted order.
func (m *Model) Paths() []string {
	out := make([]string, 0, len(m.schema.paths))
	for p := range m.schema.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Model) store() Store      { return m.conn.store }
func (m *Model) log() *slog.Logger { return m.conn.log }

// exec routes one operation through the connection's readiness gate,
// kicking off background index builds on the model's first use.
func (m *Model) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	if m.conn.opts.AutoIndex {
		m.indexOnce.Do(m.indexes.start)
	}
	return m.conn.exec(ctx, op, m.name, fn)
}

// Init triggers the model's index builds if they have not started and
// blocks until every declared index reached a terminal state. It is
// idempotent: later calls return the same outcome without building again.
func (m *Model) Init(ctx context.Context) error {
	m.indexOnce.Do(m.indexes.start)
	return m.indexes.await(ctx)
}

// New builds an unsaved document: values are cast through the schema, then
// declared defaults fill the paths still unset. Default producer functions
// run once per call.
func (m *Model) New(values map[string]any) (*Document, error) {
	d := newDocument(m, true)
	for k, v := range values {
		if _, ok := m.schema.fields[k]; !ok && m.strict {
			m.log().Debug("dropping unknown field", "model", m.name, "field", k)
			continue
		}
		if err := d.Set(k, v); err != nil {
			return nil, err
		}
	}
	m.applyDefaults(d)
	m.ensureContainers(d.values)
	return d, nil
}

// applyDefaults fills declared defaults at paths with no value. Sorted
// order walks parents before their children.
func (m *Model) applyDefaults(d *Document) {
	for _, p := range m.sortedPaths() {
		cf := m.schema.paths[p]
		if cf.inArray || (cf.def == nil && cf.defFn == nil) {
			continue
		}
		if _, ok := getPath(d.values, p); ok {
			continue
		}
		var v any
		if cf.defFn != nil {
			v = cf.defFn()
		} else {
			v = deepCopyValue(cf.def)
		}
		setPath(d.values, p, v)
		d.mark(p)
	}
}

func (m *Model) sortedPaths() []string {
	out := make([]string, 0, len(m.schema.paths))
	for p := range m.schema.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ensureContainers creates empty maps for declared nested objects that
// still have no value, so every instance carries its full object shape.
// Containers added here are not marked modified.
func (m *Model) ensureContainers(values map[string]any) {
	var walk func(tree map[string]any, fields map[string]*compiledField)
	walk = func(tree map[string]any, fields map[string]*compiledField) {
		for name, cf := range fields {
			if cf.kind != TypeObject {
				continue
			}
			child, ok := tree[name].(map[string]any)
			if !ok {
				if _, present := tree[name]; present {
					continue
				}
				child = make(map[string]any)
				tree[name] = child
			}
			walk(child, cf.children)
		}
	}
	walk(values, m.schema.fields)
}

// Create builds a document from values and saves it.
func (m *Model) Create(ctx context.Context, values map[string]any) (*Document, error) {
	d, err := m.New(values)
	if err != nil {
		return nil, err
	}
	if err := d.Save(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// FindByID fetches one document by identifier. The id is cast like any
// other value, so a 24 character hex string finds an ObjectID key. Missing
// documents return ErrDocumentNotFound.
func (m *Model) FindByID(ctx context.Context, id any) (*Document, error) {
	cast, err := castValue(fieldID, m.schema.paths[fieldID], id, true)
	if err != nil {
		return nil, err
	}
	return m.FindOne(ctx, Filter{fieldID: cast})
}

// FindOne fetches the first document matching filter, or
// ErrDocumentNotFound.
func (m *Model) FindOne(ctx context.Context, filter Filter) (*Document, error) {
	docs, err := m.Find(ctx, filter, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s: %w", m.name, ErrDocumentNotFound)
	}
	return docs[0], nil
}

// Find fetches every document matching filter, hydrated into documents.
// Filter values over recognized paths are cast first; a []any value matches
// any of its members.
func (m *Model) Find(ctx context.Context, filter Filter, opts QueryOptions) ([]*Document, error) {
	cast, err := m.castFilter(filter)
	if err != nil {
		return nil, err
	}
	var out []*Document
	err = m.exec(ctx, "find", func(ctx context.Context) error {
		raw, err := m.store().Find(ctx, m.collection, cast, opts)
		if err != nil {
			return fmt.Errorf("find in %s: %w", m.collection, err)
		}
		out = make([]*Document, 0, len(raw))
		for _, r := range raw {
			d, err := m.hydrate(r)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteByID removes one document by identifier. Deleting an absent id is
// not an error.
func (m *Model) DeleteByID(ctx context.Context, id any) error {
	cast, err := castValue(fieldID, m.schema.paths[fieldID], id, true)
	if err != nil {
		return err
	}
	return m.exec(ctx, "delete", func(ctx context.Context) error {
		if err := m.store().Delete(ctx, m.collection, cast); err != nil {
			return fmt.Errorf("delete from %s: %w", m.collection, err)
		}
		return nil
	})
}

// castFilter casts filter values at recognized paths to their declared
// types. []any values cast member-wise, keeping the any-of match shape.
// Unknown paths pass through untouched.
func (m *Model) castFilter(filter Filter) (Filter, error) {
	if len(filter) == 0 {
		return Filter{}, nil
	}
	out := make(Filter, len(filter))
	for k, v := range filter {
		cf := m.schema.paths[k]
		if cf == nil {
			out[k] = v
			continue
		}
		if set, ok := v.([]any); ok && cf.kind != TypeArray {
			castSet := make([]any, len(set))
			for i, e := range set {
				c, err := castValue(k, cf, e, true)
				if err != nil {
					return nil, err
				}
				castSet[i] = c
			}
			out[k] = castSet
			continue
		}
		c, err := castValue(k, cf, v, true)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

// hydrate builds a clean document from a stored map: values re-cast to
// canonical form, nothing marked modified, no defaults applied.
func (m *Model) hydrate(raw map[string]any) (*Document, error) {
	d := newDocument(m, false)
	for k, v := range raw {
		cf := m.schema.fields[k]
		if cf == nil {
			if !m.strict {
				d.values[k] = deepCopyValue(v)
				continue
			}
			m.log().Debug("dropping unknown field", "model", m.name, "field", k)
			continue
		}
		cast, err := castValue(k, cf, v, m.strict)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", m.name, err)
		}
		d.values[k] = cast
	}
	m.ensureContainers(d.values)
	return d, nil
}
