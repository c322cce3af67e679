package bunmap

import (
	"context"
	"sync"
	"sync/atomic"
)

// indexState is one build record's position in its lifecycle.
type indexState int

const (
	indexPending indexState = iota
	indexBuilding
	indexReady
	indexFailed
)

func (s indexState) String() string {
	switch s {
	case indexPending:
		return "pending"
	case indexBuilding:
		return "building"
	case indexReady:
		return "ready"
	case indexFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type indexBuild struct {
	spec  IndexSpec
	state indexState
	err   error
}

// indexTracker drives the declared index builds of one model and answers
// readiness waits. Builds run at most once for the connection's lifetime:
// every wait after the first trigger observes the same terminal outcome,
// and a failed build is never retried.
type indexTracker struct {
	model     *Model
	done      chan struct{}
	remaining atomic.Int32

	mu      sync.Mutex
	started bool
	builds  []*indexBuild
}

func newIndexTracker(m *Model) *indexTracker {
	t := &indexTracker{model: m, done: make(chan struct{})}
	for _, spec := range m.schema.indexes {
		t.builds = append(t.builds, &indexBuild{spec: spec})
	}
	return t
}

// start schedules every declared build on the connection's index pool.
// Builds go through the readiness gate like any operation, so triggering
// them before the connection is ready follows the buffering policy.
func (t *indexTracker) start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	builds := t.builds
	t.mu.Unlock()

	if len(builds) == 0 {
		close(t.done)
		return
	}
	t.remaining.Store(int32(len(builds)))
	for _, b := range builds {
		t.setState(b, indexBuilding)
		if err := t.model.conn.pool.Submit(func() { t.run(b) }); err != nil {
			t.finish(b, &IndexBuildError{
				Model: t.model.name,
				Index: b.spec.Path,
				Cause: err,
			})
		}
	}
}

func (t *indexTracker) run(b *indexBuild) {
	m := t.model
	err := m.conn.exec(context.Background(), "ensure_index", m.name, func(ctx context.Context) error {
		return m.store().EnsureIndex(ctx, m.collection, b.spec)
	})
	if err != nil {
		t.finish(b, &IndexBuildError{Model: m.name, Index: b.spec.Path, Cause: err})
		return
	}
	t.finish(b, nil)
}

func (t *indexTracker) setState(b *indexBuild, s indexState) {
	t.mu.Lock()
	b.state = s
	t.mu.Unlock()
}

// finish records a build's terminal state and closes the readiness channel
// once the last build lands.
func (t *indexTracker) finish(b *indexBuild, err error) {
	m := t.model
	t.mu.Lock()
	if err != nil {
		b.state = indexFailed
		b.err = err
	} else {
		b.state = indexReady
	}
	t.mu.Unlock()

	if err != nil {
		m.log().Error("index build failed", "model", m.name, "path", b.spec.Path, "error", err)
		m.conn.metrics.IndexBuild(m.name, "failed")
	} else {
		m.log().Debug("index ready", "model", m.name, "path", b.spec.Path, "unique", b.spec.Unique)
		m.conn.metrics.IndexBuild(m.name, "ready")
	}
	if t.remaining.Add(-1) == 0 {
		close(t.done)
	}
}

// await blocks until every declared build reached a terminal state, then
// returns the first failure in declaration order, if any.
func (t *indexTracker) await(ctx context.Context) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		t.start()
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.builds {
		if b.err != nil {
			return b.err
		}
	}
	return nil
}

// IndexStatus is one declared index with its current build state.
type IndexStatus struct {
	Spec  IndexSpec
	State string
	Err   error
}

// IndexStates reports every declared index and where its build stands.
func (m *Model) IndexStates() []IndexStatus {
	t := m.indexes
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IndexStatus, 0, len(t.builds))
	for _, b := range t.builds {
		out = append(out, IndexStatus{Spec: b.spec, State: b.state.String(), Err: b.err})
	}
	return out
}
