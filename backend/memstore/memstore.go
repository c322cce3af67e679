// Package memstore is an in-memory document store. It backs tests and
// examples, and keeps the store contract honest: uniqueness is enforced
// only for indexes that were actually built, matching how a real store
// behaves before a declared index lands.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/bunmap"
)

// Option adjusts a Store. The delay options exist for exercising
// connection and index lifecycles.
type Option func(*Store)

// WithDialDelay makes Connect take at least d.
func WithDialDelay(d time.Duration) Option {
	return func(s *Store) { s.dialDelay = d }
}

// WithDialError makes Connect fail with err.
func WithDialError(err error) Option {
	return func(s *Store) { s.dialErr = err }
}

// WithIndexDelay makes every EnsureIndex take at least d.
func WithIndexDelay(d time.Duration) Option {
	return func(s *Store) { s.indexDelay = d }
}

type collection struct {
	docs   map[string]map[string]any
	order  []string
	unique []bunmap.IndexSpec
}

// Store is an in-memory implementation of bunmap.Store. Safe for
// concurrent use.
type Store struct {
	dialDelay  time.Duration
	indexDelay time.Duration
	dialErr    error

	mu          sync.RWMutex
	connected   bool
	collections map[string]*collection
}

var _ bunmap.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{collections: make(map[string]*collection)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Connect(ctx context.Context) error {
	if s.dialDelay > 0 {
		select {
		case <-time.After(s.dialDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.dialErr != nil {
		return s.dialErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *Store) Insert(ctx context.Context, coll string, docs []map[string]any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(coll)
	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		cp := deepCopy(doc).(map[string]any)
		id, ok := cp["_id"]
		if !ok || id == nil {
			id = bunmap.NewObjectID()
			cp["_id"] = id
		}
		key := keyOf(id)
		if _, exists := c.docs[key]; exists {
			return nil, fmt.Errorf("duplicate id %v in %s", id, coll)
		}
		for _, idx := range c.unique {
			v, ok := getValue(cp, idx.Path)
			if !ok || v == nil {
				continue
			}
			if holder := c.findByValue(idx.Path, v, key); holder != "" {
				return nil, fmt.Errorf("unique constraint on %s.%s: value %v exists", coll, idx.Path, v)
			}
		}
		c.docs[key] = cp
		c.order = append(c.order, key)
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) Update(ctx context.Context, coll string, id any, set map[string]any, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(coll)
	key := keyOf(id)
	doc, ok := c.docs[key]
	if !ok {
		return fmt.Errorf("%s %v: %w", coll, id, bunmap.ErrDocumentNotFound)
	}
	for _, idx := range c.unique {
		v, touched := valueForPath(set, idx.Path)
		if !touched || v == nil {
			continue
		}
		if holder := c.findByValue(idx.Path, v, key); holder != "" {
			return fmt.Errorf("unique constraint on %s.%s: value %v exists", coll, idx.Path, v)
		}
	}
	for p, v := range set {
		setValue(doc, p, deepCopy(v))
	}
	for _, p := range unset {
		unsetValue(doc, p)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, coll string, id any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(coll)
	key := keyOf(id)
	if _, ok := c.docs[key]; !ok {
		return nil
	}
	delete(c.docs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Find(ctx context.Context, coll string, filter bunmap.Filter, opts bunmap.QueryOptions) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.coll(coll)
	var out []map[string]any
	for _, key := range c.order {
		doc := c.docs[key]
		if matches(doc, filter) {
			out = append(out, deepCopy(doc).(map[string]any))
		}
	}
	if opts.Sort != "" {
		asc := !opts.SortDesc
		sort.SliceStable(out, func(i, j int) bool {
			vi, _ := getValue(out[i], opts.Sort)
			vj, _ := getValue(out[j], opts.Sort)
			if asc {
				return compareValues(vi, vj) < 0
			}
			return compareValues(vi, vj) > 0
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			out = nil
		} else {
			out = out[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	if len(opts.Fields) > 0 {
		for i, doc := range out {
			out[i] = project(doc, opts.Fields)
		}
	}
	return out, nil
}

func (s *Store) EnsureIndex(ctx context.Context, coll string, spec bunmap.IndexSpec) error {
	if s.indexDelay > 0 {
		select {
		case <-time.After(s.indexDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(coll)
	if !spec.Unique {
		return nil
	}
	seen := make(map[string]string)
	for key, doc := range c.docs {
		v, ok := getValue(doc, spec.Path)
		if !ok || v == nil {
			continue
		}
		vk := keyOf(v)
		if other, dup := seen[vk]; dup {
			return fmt.Errorf("cannot build unique index on %s.%s: documents %s and %s share value %v",
				coll, spec.Path, other, key, v)
		}
		seen[vk] = key
	}
	for _, idx := range c.unique {
		if idx.Path == spec.Path {
			return nil
		}
	}
	c.unique = append(c.unique, spec)
	return nil
}

// Len reports how many documents a collection holds.
func (s *Store) Len(coll string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.coll(coll).docs)
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]map[string]any)}
		s.collections[name] = c
	}
	return c
}

// findByValue returns the key of a document other than exclude holding v at
// path, or empty.
func (c *collection) findByValue(path string, v any, exclude string) string {
	for key, doc := range c.docs {
		if key == exclude {
			continue
		}
		dv, ok := getValue(doc, path)
		if ok && equalValues(dv, v) {
			return key
		}
	}
	return ""
}

func matches(doc map[string]any, filter bunmap.Filter) bool {
	for path, want := range filter {
		got, ok := getValue(doc, path)
		if !ok {
			return false
		}
		if set, isSet := want.([]any); isSet {
			hit := false
			for _, w := range set {
				if equalValues(got, w) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch ta := a.(type) {
	case float64:
		if tb, ok := b.(float64); ok {
			switch {
			case ta < tb:
				return -1
			case ta > tb:
				return 1
			default:
				return 0
			}
		}
	case string:
		if tb, ok := b.(string); ok {
			return strings.Compare(ta, tb)
		}
	case bool:
		if tb, ok := b.(bool); ok {
			switch {
			case !ta && tb:
				return -1
			case ta && !tb:
				return 1
			default:
				return 0
			}
		}
	case time.Time:
		if tb, ok := b.(time.Time); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func keyOf(v any) string { return fmt.Sprint(v) }

func getValue(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
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

func setValue(doc map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	var cur any = doc
	for i, seg := range segs {
		last := i == len(segs)-1
		switch t := cur.(type) {
		case map[string]any:
			if last {
				t[seg] = v
				return
			}
			next, ok := t[seg]
			if !ok || next == nil {
				child := make(map[string]any)
				t[seg] = child
				cur = child
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
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

func unsetValue(doc map[string]any, path string) {
	segs := strings.Split(path, ".")
	if len(segs) == 1 {
		delete(doc, segs[0])
		return
	}
	parent, ok := getValue(doc, strings.Join(segs[:len(segs)-1], "."))
	if !ok {
		return
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, segs[len(segs)-1])
	}
}

// valueForPath reports whether a set payload touches path, directly or via
// an ancestor entry, and the value it would leave there.
func valueForPath(set map[string]any, path string) (any, bool) {
	if v, ok := set[path]; ok {
		return v, true
	}
	for p, v := range set {
		if strings.HasPrefix(path, p+".") {
			rest := strings.TrimPrefix(path, p+".")
			if m, ok := v.(map[string]any); ok {
				nested, found := getValue(m, rest)
				if found {
					return nested, true
				}
			}
			return nil, true
		}
	}
	return nil, false
}

func project(doc map[string]any, fields []string) map[string]any {
	out := make(map[string]any)
	if id, ok := doc["_id"]; ok {
		out["_id"] = id
	}
	for _, f := range fields {
		if v, ok := getValue(doc, f); ok {
			setValue(out, f, deepCopy(v))
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
