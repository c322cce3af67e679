package bunmap

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Populate resolves reference paths across docs, one batched fetch per
// path. Identifiers at each path are collected over all documents,
// deduplicated, fetched through the target model, and written back as
// hydrated documents. Paths resolve concurrently.
//
// Resolved targets replace the identifiers in place without marking the
// documents modified; a later save writes identifiers again. Identifiers
// with no matching target become nil at scalar paths and are dropped from
// arrays.
//
// When the populated path holds an array, targets are reassigned in the
// array's stored identifier order. A Sort option orders the batched fetch
// only, never the arrays, and logs a warning.
func (m *Model) Populate(ctx context.Context, docs []*Document, opts ...PopulateOption) error {
	if len(docs) == 0 || len(opts) == 0 {
		return nil
	}
	for _, d := range docs {
		if d.model != m {
			return &PopulateError{Path: "", Cause: fmt.Errorf("document belongs to model %q", d.model.name)}
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, opt := range opts {
		g.Go(func() error {
			return m.populatePath(ctx, docs, opt)
		})
	}
	return g.Wait()
}

// Populate resolves reference paths on one document.
func (d *Document) Populate(ctx context.Context, opts ...PopulateOption) error {
	return d.model.Populate(ctx, []*Document{d}, opts...)
}

func (m *Model) populatePath(ctx context.Context, docs []*Document, opt PopulateOption) error {
	cf := m.schema.paths[opt.Path]
	if cf == nil {
		return &PopulateError{Path: opt.Path, Cause: errors.New("unknown path")}
	}
	ref := cf.ref
	isArray := false
	if cf.kind == TypeArray && cf.elem != nil {
		ref = cf.elem.ref
		isArray = true
	}
	if ref == "" {
		return &PopulateError{Path: opt.Path, Cause: errors.New("not a reference path")}
	}
	target, err := m.conn.Model(ref)
	if err != nil {
		return &PopulateError{Path: opt.Path, Cause: err}
	}
	if (isArray || cf.inArray) && opt.Sort != "" {
		m.log().Warn("populate sort orders the fetch, not the arrays", "model", m.name, "path", opt.Path)
	}
	segs := splitPath(opt.Path)

	ids := make([]any, 0, len(docs))
	seen := make(map[any]struct{}, len(docs))
	add := func(v any) {
		if v == nil {
			return
		}
		if _, alreadyDoc := v.(*Document); alreadyDoc {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		ids = append(ids, v)
	}
	for _, d := range docs {
		for _, s := range collectSlots(d.values, segs) {
			switch v := s.get().(type) {
			case []any:
				for _, e := range v {
					add(e)
				}
			default:
				add(v)
			}
		}
	}

	found := make(map[any]*Document, len(ids))
	fetch := make([]any, 0, len(ids))
	for _, id := range ids {
		if raw, ok := m.conn.cacheGet(ref, id); ok {
			if td, err := target.hydrate(raw); err == nil {
				found[id] = td
				m.conn.metrics.Populate(target.name, "cache")
				continue
			}
		}
		fetch = append(fetch, id)
	}
	if len(fetch) > 0 {
		res, err := target.Find(ctx, Filter{fieldID: fetch}, QueryOptions{
			Sort:     opt.Sort,
			SortDesc: opt.SortDesc,
			Fields:   opt.Fields,
		})
		if err != nil {
			return &PopulateError{Path: opt.Path, Cause: err}
		}
		for _, td := range res {
			found[td.ID()] = td
			m.conn.cachePut(ref, td.ID(), exportMap(td.values, true))
			m.conn.metrics.Populate(target.name, "store")
		}
	}

	for _, d := range docs {
		resolved := false
		for _, s := range collectSlots(d.values, segs) {
			switch v := s.get().(type) {
			case []any:
				out := make([]any, 0, len(v))
				for _, e := range v {
					if td, ok := found[e]; ok {
						out = append(out, td)
						continue
					}
					if td, ok := e.(*Document); ok {
						out = append(out, td)
						continue
					}
					m.log().Debug("dropping unresolved reference", "model", m.name, "path", opt.Path, "id", fmt.Sprint(e))
				}
				s.set(out)
				resolved = true
			case *Document:
				resolved = true
			case nil:
			default:
				if td, ok := found[v]; ok {
					s.set(td)
				} else {
					m.log().Debug("clearing unresolved reference", "model", m.name, "path", opt.Path, "id", fmt.Sprint(v))
					s.set(nil)
				}
				resolved = true
			}
		}
		if resolved {
			d.populated[opt.Path] = struct{}{}
		}
	}
	return nil
}

// refSlot is one location holding a reference value: a map entry or an
// array element.
type refSlot struct {
	m   map[string]any
	key string
	s   []any
	idx int
}

func (s refSlot) get() any {
	if s.m != nil {
		return s.m[s.key]
	}
	return s.s[s.idx]
}

func (s refSlot) set(v any) {
	if s.m != nil {
		s.m[s.key] = v
		return
	}
	s.s[s.idx] = v
}

// collectSlots walks a dotted path through the value tree and returns every
// slot the final segment addresses. Arrays along the way fan out across
// their elements without consuming a segment, so one path can address a
// slot per element.
func collectSlots(root map[string]any, segs []string) []refSlot {
	var out []refSlot
	var walk func(cur any, i int)
	walk = func(cur any, i int) {
		if doc, ok := cur.(*Document); ok {
			cur = doc.values
		}
		switch t := cur.(type) {
		case map[string]any:
			if i >= len(segs) {
				return
			}
			if i == len(segs)-1 {
				if _, ok := t[segs[i]]; ok {
					out = append(out, refSlot{m: t, key: segs[i]})
				}
				return
			}
			next, ok := t[segs[i]]
			if !ok {
				return
			}
			walk(next, i+1)
		case []any:
			for _, e := range t {
				walk(e, i)
			}
		}
	}
	walk(root, 0)
	return out
}
