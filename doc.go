// Package bunmap implements a schema-driven document mapping layer in Go.
//
// Key Features:
//   - Declarative schemas compiled to immutable path tables
//   - Accessor-based change tracking producing minimal update payloads
//   - Operation buffering while the backing store connects
//   - Background index builds with awaitable readiness
//   - Batched reference population across documents
//   - CEL field validators and optional JSON Schema document validation
//
// Architecture:
// The layer is composed of several parts:
//  1. Connection: the entry point; owns the store, the model scope, and the readiness gate.
//  2. Model: a compiled schema bound to a collection, with CRUD and population.
//  3. Document: one mapped record tracking which paths changed.
//  4. Store: the abstract backing document store (see backend/ for implementations).
package bunmap
