package bunmap

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/bunmap/internal/logger"
)

// testStore is a minimal in-memory Store for exercising the mapping layer.
// The dial can be gated to hold the connection in its connecting state,
// calls are counted, and the last write payload is kept for assertions.
type testStore struct {
	dialGate   chan struct{}
	ensureGate chan struct{}
	dialErr    error
	indexErr   error

	mu    sync.Mutex
	colls map[string]*testColl

	inserts int
	updates int
	finds   int
	deletes int
	ensures map[string]int

	lastSet   map[string]any
	lastUnset []string
	lastQuery QueryOptions

	// blockUpdate, when set, holds Update calls until closed; entry is
	// signalled on updateStarted.
	blockUpdate   chan struct{}
	updateStarted chan struct{}
}

type testColl struct {
	order []string
	docs  map[string]map[string]any
}

func newTestStore() *testStore {
	return &testStore{
		colls:   make(map[string]*testColl),
		ensures: make(map[string]int),
	}
}

func (s *testStore) coll(name string) *testColl {
	c, ok := s.colls[name]
	if !ok {
		c = &testColl{docs: make(map[string]map[string]any)}
		s.colls[name] = c
	}
	return c
}

func (s *testStore) Connect(ctx context.Context) error {
	if s.dialGate != nil {
		select {
		case <-s.dialGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.dialErr
}

func (s *testStore) Close(ctx context.Context) error { return nil }

func (s *testStore) Insert(ctx context.Context, coll string, docs []map[string]any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	c := s.coll(coll)
	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		cp := deepCopyValue(doc).(map[string]any)
		id, ok := cp["_id"]
		if !ok || id == nil {
			id = NewObjectID()
			cp["_id"] = id
		}
		key := fmt.Sprint(id)
		c.docs[key] = cp
		c.order = append(c.order, key)
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *testStore) Update(ctx context.Context, coll string, id any, set map[string]any, unset []string) error {
	s.mu.Lock()
	s.updates++
	s.lastSet = deepCopyValue(set).(map[string]any)
	s.lastUnset = append([]string(nil), unset...)
	doc, ok := s.coll(coll).docs[fmt.Sprint(id)]
	block := s.blockUpdate
	s.mu.Unlock()

	if block != nil {
		if s.updateStarted != nil {
			select {
			case s.updateStarted <- struct{}{}:
			default:
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !ok {
		return fmt.Errorf("%s %v: %w", coll, id, ErrDocumentNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, v := range set {
		setPath(doc, p, deepCopyValue(v))
	}
	for _, p := range unset {
		unsetTestPath(doc, p)
	}
	return nil
}

func (s *testStore) Delete(ctx context.Context, coll string, id any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	c := s.coll(coll)
	key := fmt.Sprint(id)
	delete(c.docs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *testStore) Find(ctx context.Context, coll string, filter Filter, opts QueryOptions) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	s.lastQuery = opts
	c := s.coll(coll)
	var out []map[string]any
	for _, key := range c.order {
		doc := c.docs[key]
		if !testMatches(doc, filter) {
			continue
		}
		out = append(out, deepCopyValue(doc).(map[string]any))
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *testStore) EnsureIndex(ctx context.Context, coll string, spec IndexSpec) error {
	if s.ensureGate != nil {
		select {
		case <-s.ensureGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures[coll+"/"+spec.Path]++
	return s.indexErr
}

func (s *testStore) ensureCount(coll, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensures[coll+"/"+path]
}

func (s *testStore) findCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}

func (s *testStore) stored(coll string, id any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.coll(coll).docs[fmt.Sprint(id)]
	if !ok {
		return nil
	}
	return deepCopyValue(doc).(map[string]any)
}

func testMatches(doc map[string]any, filter Filter) bool {
	for path, want := range filter {
		got, ok := getPath(doc, path)
		if !ok {
			return false
		}
		if set, isSet := want.([]any); isSet {
			hit := false
			for _, w := range set {
				if testEqual(got, w) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		if !testEqual(got, want) {
			return false
		}
	}
	return true
}

func testEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func unsetTestPath(doc map[string]any, path string) {
	segs := splitPath(path)
	if len(segs) == 1 {
		delete(doc, segs[0])
		return
	}
	parent, ok := getPath(doc, strings.Join(segs[:len(segs)-1], "."))
	if !ok {
		return
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, segs[len(segs)-1])
	}
}

// --- connection helpers ---

func testOptions() *ConnectOptions {
	return &ConnectOptions{
		BufferOps:     true,
		BufferTimeout: time.Second,
		Strict:        true,
		IndexWorkers:  2,
		Logger:        logger.Discard(),
	}
}

func newTestConn(t *testing.T, store Store, opts *ConnectOptions) *Connection {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	conn, err := Connect(context.Background(), store, opts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Close(ctx)
	})
	return conn
}

func readyConn(t *testing.T, store Store, opts *ConnectOptions) *Connection {
	t.Helper()
	conn := newTestConn(t, store, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	return conn
}
