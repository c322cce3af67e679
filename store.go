package bunmap

import "context"

// Filter selects documents in a Store. Keys are dotted field paths matched
// for equality; a []any value matches documents whose field equals any
// member (the identifier-set form population uses for its batched fetches).
// Filter values over recognized paths are cast by the model layer before
// they reach the store; store-specific raw pipelines bypass casting and
// expect pre-cast values.
type Filter map[string]any

// Store is the abstract backing document store the mapping layer drives.
// Implementations translate these calls into their own wire protocol; the
// core never sees wire details.
//
// Values crossing the contract are maps, slices, and scalar Go values plus
// ObjectID and time.Time; backends choose their own serialization (both ship
// JSON-compatible forms) and hydration re-casts whatever shape comes back.
type Store interface {
	// Connect establishes connectivity. The connection drives this in the
	// background and flips to ready on nil return.
	Connect(ctx context.Context) error

	// Close releases the store. Safe to call once after Connect.
	Close(ctx context.Context) error

	// Insert adds documents to a collection and returns their identifiers
	// in input order.
	Insert(ctx context.Context, collection string, docs []map[string]any) ([]any, error)

	// Update applies set values keyed by dotted path and removes unset
	// paths on one document. Returns ErrDocumentNotFound when id does not
	// exist.
	Update(ctx context.Context, collection string, id any, set map[string]any, unset []string) error

	// Delete removes one document. Deleting an absent id is not an error.
	Delete(ctx context.Context, collection string, id any) error

	// Find returns documents matching filter, honoring opts.
	Find(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]map[string]any, error)

	// EnsureIndex builds one declared index. Unique builds fail when
	// pre-existing documents already violate the constraint; before a
	// build completes the store accepts violating writes (the constraint
	// does not exist there yet).
	EnsureIndex(ctx context.Context, collection string, spec IndexSpec) error
}
