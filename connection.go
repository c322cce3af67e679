package bunmap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunmap/internal/metrics"
)

// ConnState is a connection's lifecycle state.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateReady
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Connection binds a set of models to one backing store. It dials in the
// background: registrations and operations are accepted immediately, and
// operations issued before the store is reachable follow the buffering
// policy in ConnectOptions.
//
// Each connection is its own model scope. Two connections can register the
// same model name without conflict.
type Connection struct {
	id      string
	store   Store
	opts    ConnectOptions
	log     *slog.Logger
	metrics *metrics.Metrics
	buffer  *opBuffer
	pool    *ants.Pool
	cache   *lru.Cache[string, map[string]any]

	reg registry

	mu      sync.Mutex
	state   ConnState
	dialErr error
	dialed  chan struct{}
}

// Connect wires a connection to store and starts dialing in the background.
// A nil opts uses DefaultConnectOptions.
func Connect(ctx context.Context, store Store, opts *ConnectOptions) (*Connection, error) {
	if store == nil {
		return nil, fmt.Errorf("connect: nil store")
	}
	o := opts
	if o == nil {
		o = DefaultConnectOptions()
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	log = log.With("conn", id[:8])

	workers := o.IndexWorkers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("index pool: %w", err)
	}

	c := &Connection{
		id:      id,
		store:   store,
		opts:    *o,
		log:     log,
		metrics: metrics.New(o.Metrics),
		buffer:  newOpBuffer(o.BufferOps, o.BufferTimeout, log),
		pool:    pool,
		reg:     registry{models: make(map[string]*Model)},
		state:   StateConnecting,
		dialed:  make(chan struct{}),
	}
	if o.PopulateCacheSize > 0 {
		c.cache, err = lru.New[string, map[string]any](o.PopulateCacheSize)
		if err != nil {
			pool.Release()
			return nil, fmt.Errorf("populate cache: %w", err)
		}
	}

	go c.dial(ctx)
	return c, nil
}

func (c *Connection) dial(ctx context.Context) {
	err := c.store.Connect(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateError
			c.dialErr = fmt.Errorf("dial store: %w", err)
		}
		c.mu.Unlock()
		close(c.dialed)
		c.log.Error("store dial failed", "error", err)
		c.buffer.reject(err)
		return
	}
	c.log.Info("store connected")

	// Replay everything buffered so far before opening the direct path;
	// nothing submitted after readiness can overtake a buffered operation.
	c.buffer.flush()

	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateReady
	}
	c.mu.Unlock()
	close(c.dialed)
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready blocks until the connection is ready, the dial has failed, or ctx
// is done.
func (c *Connection) Ready(ctx context.Context) error {
	select {
	case <-c.dialed:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return nil
	case StateError:
		return c.dialErr
	default:
		return ErrConnectionClosed
	}
}

// Close tears the connection down. Buffered operations still waiting fail
// with NotConnectedError, the index pool stops, and the store is released.
// Close is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.buffer.reject(ErrConnectionClosed)
	c.pool.Release()

	// Wait out an in-flight dial so the store is not closed mid-connect.
	select {
	case <-c.dialed:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	c.mu.Lock()
	dialErr := c.dialErr
	c.mu.Unlock()
	if dialErr == nil {
		if cerr := c.store.Close(ctx); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}
	c.log.Info("connection closed")
	return err
}

// exec gates one operation on readiness and records its outcome.
func (c *Connection) exec(ctx context.Context, op, model string, fn func(context.Context) error) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StateClosed || st == StateError {
		return &NotConnectedError{Op: op}
	}

	start := time.Now()
	err := c.buffer.submit(ctx, op, model, fn)
	c.metrics.SetBufferDepth(c.buffer.depth())
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.Operation(model, op, status, time.Since(start))
	return err
}

// cacheGet looks up a resolved reference target. Only meaningful with a
// populate cache configured; without one it always misses.
func (c *Connection) cacheGet(model string, id any) (map[string]any, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(model + "/" + fmt.Sprint(id))
}

func (c *Connection) cachePut(model string, id any, doc map[string]any) {
	if c.cache == nil {
		return
	}
	c.cache.Add(model+"/"+fmt.Sprint(id), doc)
}

// RegisterModel compiles schema and binds a model named name to this
// connection. Registering the same name twice on one connection fails with
// DuplicateModelError; registration is permanent for the connection's
// lifetime.
func (c *Connection) RegisterModel(name string, schema Schema, opts ...ModelOption) (*Model, error) {
	m, err := newModel(c, name, schema, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.reg.add(m); err != nil {
		return nil, err
	}
	c.log.Debug("model registered", "model", name, "collection", m.collection, "indexes", len(m.schema.indexes))
	return m, nil
}

// Model returns the model registered under name, or ErrModelNotFound.
func (c *Connection) Model(name string) (*Model, error) {
	return c.reg.get(name)
}

// Models returns the registered model names in sorted order.
func (c *Connection) Models() []string {
	return c.reg.names()
}
