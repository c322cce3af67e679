package bunmap

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kartikbazzad/bunmap/internal/config"
	"github.com/kartikbazzad/bunmap/internal/logger"
)

// ConnectOptions configure one Connection.
type ConnectOptions struct {
	// BufferOps queues model operations issued before the connection is
	// ready instead of failing them immediately.
	BufferOps bool

	// BufferTimeout bounds how long a buffered operation waits for
	// readiness before failing with a timeout. Zero waits indefinitely.
	BufferTimeout time.Duration

	// Strict drops unknown keys during casting instead of carrying them
	// through to the store.
	Strict bool

	// AutoIndex starts declared index builds on first use of each model.
	// Disabled, builds run only through Model.Init.
	AutoIndex bool

	// PopulateCacheSize bounds the per-connection cache of resolved
	// reference targets. Zero disables caching.
	PopulateCacheSize int

	// IndexWorkers sizes the background pool index builds run on.
	IndexWorkers int

	// Logger receives structured connection and model events. Nil uses
	// the process default handler.
	Logger *slog.Logger

	// Metrics receives instrument registrations. Nil disables metrics.
	Metrics prometheus.Registerer
}

// DefaultConnectOptions returns options seeded from BUNMAP_* environment
// variables with built-in fallbacks.
func DefaultConnectOptions() *ConnectOptions {
	d := config.FromEnv()
	return &ConnectOptions{
		BufferOps:         d.BufferOps,
		BufferTimeout:     d.BufferTimeout,
		Strict:            d.Strict,
		AutoIndex:         d.AutoIndex,
		PopulateCacheSize: d.PopulateCacheSize,
		IndexWorkers:      d.IndexWorkers,
		Logger:            logger.New(d.LogLevel, d.LogFormat),
	}
}

// QueryOptions shape a Find.
type QueryOptions struct {
	// Sort names a dotted path to order by. Empty keeps store order.
	Sort     string
	SortDesc bool

	// Skip drops that many matches from the front of the result.
	Skip int

	// Limit caps the result size. Zero means no limit.
	Limit int

	// Fields projects the result to these dotted paths. Empty returns
	// full documents. The identifier is always included.
	Fields []string
}

// PopulateOption names one reference path to resolve and how its targets
// are fetched.
type PopulateOption struct {
	Path     string
	Sort     string
	SortDesc bool
	Fields   []string
}

type modelOptions struct {
	collection string
	jsonSchema string
	timestamps bool
	strict     *bool
}

// ModelOption adjusts model registration.
type ModelOption func(*modelOptions)

// WithCollection overrides the collection name derived from the model name.
func WithCollection(name string) ModelOption {
	return func(o *modelOptions) { o.collection = name }
}

// WithJSONSchema attaches a JSON Schema document validated against every
// document on save, after casting and field validators.
func WithJSONSchema(schema string) ModelOption {
	return func(o *modelOptions) { o.jsonSchema = schema }
}

// WithTimestamps maintains createdAt and updatedAt on save.
func WithTimestamps() ModelOption {
	return func(o *modelOptions) { o.timestamps = true }
}

// WithStrict overrides the connection's strict mode for this model.
func WithStrict(strict bool) ModelOption {
	return func(o *modelOptions) { o.strict = &strict }
}
