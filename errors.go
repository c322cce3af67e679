package bunmap

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mapping layer. Rich error types below unwrap to
// these, so callers can branch with errors.Is and still extract the offending
// path/value/model with errors.As.
var (
	// ErrCast is the base of *CastError: a raw value could not be coerced
	// into its declared kind.
	ErrCast = errors.New("cast failed")

	// ErrSchema is the base of *SchemaError: the declarative schema is
	// invalid and the model cannot be compiled.
	ErrSchema = errors.New("invalid schema")

	// ErrDuplicateModel is the base of *DuplicateModelError: a model name
	// was registered twice on the same connection.
	ErrDuplicateModel = errors.New("model already registered")

	// ErrModelNotFound is returned by Connection.Model for unknown names.
	ErrModelNotFound = errors.New("model not registered")

	// ErrConcurrentSave is the base of *ConcurrentSaveError: a save was
	// issued while another save on the same document was in flight.
	ErrConcurrentSave = errors.New("document save already in flight")

	// ErrNotConnected is the base of *NotConnectedError: an operation was
	// issued before the connection became ready and buffering is disabled,
	// or a buffered operation timed out waiting.
	ErrNotConnected = errors.New("connection not ready")

	// ErrConnectionClosed is the terminal error of an explicitly closed
	// connection; pending buffered operations fail with it.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrIndexBuild is the base of *IndexBuildError: building a declared
	// index against the backing store failed. Terminal per model; never
	// retried automatically.
	ErrIndexBuild = errors.New("index build failed")

	// ErrPopulate is the base of *PopulateError: a reference target model
	// is unresolvable or the batched fetch failed.
	ErrPopulate = errors.New("populate failed")

	// ErrValidation is the base of *ValidationError: a document failed a
	// field validator or the model's JSON Schema on save.
	ErrValidation = errors.New("validation failed")

	// ErrDocumentNotFound is returned by FindByID/FindOne when no document
	// matches.
	ErrDocumentNotFound = errors.New("document not found")
)

// CastError reports a value that could not be coerced into the kind declared
// for its path. Value is the raw input, not a partially-cast result.
type CastError struct {
	Path  string
	Value any
	Kind  Kind
}

func (e *CastError) Error() string {
	return fmt.Sprintf("cast to %s failed for value %v at path %q", e.Kind, e.Value, e.Path)
}

func (e *CastError) Unwrap() error { return ErrCast }

// SchemaError reports an invalid field declaration. Path is the dotted path
// of the offending declaration, or "" for schema-level problems.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid schema: %s", e.Reason)
	}
	return fmt.Sprintf("invalid schema at path %q: %s", e.Path, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// DuplicateModelError reports a second registration of a model name within
// one connection scope. Registration is permanent; use a fresh connection to
// redefine a model.
type DuplicateModelError struct {
	Name string
}

func (e *DuplicateModelError) Error() string {
	return fmt.Sprintf("model %q already registered on this connection", e.Name)
}

func (e *DuplicateModelError) Unwrap() error { return ErrDuplicateModel }

// ConcurrentSaveError reports a save that lost the per-document in-flight
// race. The caller may retry once the first save completes.
type ConcurrentSaveError struct {
	Model string
	ID    any
}

func (e *ConcurrentSaveError) Error() string {
	return fmt.Sprintf("concurrent save on %s document %v", e.Model, e.ID)
}

func (e *ConcurrentSaveError) Unwrap() error { return ErrConcurrentSave }

// NotConnectedError reports an operation rejected because the connection was
// not ready: buffering disabled, or the buffered entry timed out.
type NotConnectedError struct {
	Op       string
	TimedOut bool
}

func (e *NotConnectedError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("operation %q timed out waiting for connection", e.Op)
	}
	return fmt.Sprintf("operation %q issued before connection ready and buffering is disabled", e.Op)
}

func (e *NotConnectedError) Unwrap() error { return ErrNotConnected }

// IndexBuildError reports a terminal index build failure. It may indicate
// pre-existing data violating a unique constraint.
type IndexBuildError struct {
	Model string
	Index string
	Cause error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("index build for %s.%s failed: %v", e.Model, e.Index, e.Cause)
}

func (e *IndexBuildError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrIndexBuild}
	}
	return []error{ErrIndexBuild, e.Cause}
}

// PopulateError reports a failed population of one reference path.
type PopulateError struct {
	Path  string
	Cause error
}

func (e *PopulateError) Error() string {
	return fmt.Sprintf("populate %q failed: %v", e.Path, e.Cause)
}

func (e *PopulateError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPopulate}
	}
	return []error{ErrPopulate, e.Cause}
}

// ValidationError reports a document rejected before dispatch: a CEL field
// validator returned false, a required path is unset, or the model's JSON
// Schema did not accept the document.
type ValidationError struct {
	Path   string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed at path %q: %s (value %v)", e.Path, e.Reason, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
