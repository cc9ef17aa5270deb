// Package agentdef stores user-registered WASM agent modules: the
// compiled bytes, addressed by their sha256 digest, and the definition
// metadata (name, description, config) that names one for use on a
// task. This is the redesigned replacement for exec()-based dynamic
// agent code: a definition never carries source, only a digest that
// resolves to a sandboxed module (see agent/wasmagent).
package agentdef

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Definition is one registered custom agent: a human-assigned name
// bound to a compiled module digest and its configure-time JSON blob.
type Definition struct {
	ID           string
	Name         string
	Description  string
	ModuleDigest string
	Config       json.RawMessage
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ModuleStore is a content-addressed blob store for compiled WASM
// modules, keyed by the sha256 digest of their bytes.
type ModuleStore interface {
	// Put stores the module and returns its digest, computing it from
	// the bytes so a caller never has to trust an externally-supplied ID.
	Put(ctx context.Context, wasmBytes []byte) (digest string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
}

// Store is the definition-metadata CRUD surface. It intentionally has
// no Scaffold/Modify operations: those belonged to the LLM-authored
// Python-source flow this package replaces, and a WASM module is
// registered fully-formed rather than generated in place.
type Store interface {
	Create(ctx context.Context, def Definition) (Definition, error)
	Get(ctx context.Context, id string) (Definition, bool, error)
	GetByName(ctx context.Context, name string) (Definition, bool, error)
	List(ctx context.Context) ([]Definition, error)
	Delete(ctx context.Context, id string) error
}

// Digest computes the content address used as a module's ModuleStore
// key and, once registered, its graph.Task.ModuleID.
func Digest(wasmBytes []byte) string {
	sum := sha256.Sum256(wasmBytes)
	return "sha256:" + hex.EncodeToString(sum[:])
}
