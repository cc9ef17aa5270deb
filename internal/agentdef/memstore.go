package agentdef

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/store"
)

// MemModuleStore is an in-process content-addressed blob store, used by
// default when no object store is configured and in tests.
type MemModuleStore struct {
	mu      sync.Mutex
	modules map[string][]byte
}

func NewMemModuleStore() *MemModuleStore {
	return &MemModuleStore{modules: make(map[string][]byte)}
}

var _ ModuleStore = (*MemModuleStore)(nil)

func (m *MemModuleStore) Put(_ context.Context, wasmBytes []byte) (string, error) {
	digest := Digest(wasmBytes)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[digest] = append([]byte(nil), wasmBytes...)
	return digest, nil
}

func (m *MemModuleStore) Get(_ context.Context, digest string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.modules[digest]
	if !ok {
		return nil, &store.ErrNotFound{What: "wasm module " + digest}
	}
	return append([]byte(nil), b...), nil
}

// ModuleBytes adapts MemModuleStore to wasmagent.ModuleSource.
func (m *MemModuleStore) ModuleBytes(ctx context.Context, moduleID string) ([]byte, error) {
	return m.Get(ctx, moduleID)
}

// MemStore is an in-process Store for agent definitions.
type MemStore struct {
	mu   sync.Mutex
	defs map[string]Definition
}

func NewMemStore() *MemStore {
	return &MemStore{defs: make(map[string]Definition)}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) Create(_ context.Context, def Definition) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.defs {
		if existing.Name == def.Name {
			return Definition{}, fmt.Errorf("agent definition named %q already exists", def.Name)
		}
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now
	m.defs[def.ID] = def
	return def, nil
}

func (m *MemStore) Get(_ context.Context, id string) (Definition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	return d, ok, nil
}

func (m *MemStore) GetByName(_ context.Context, name string) (Definition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Name == name {
			return d, true, nil
		}
	}
	return Definition{}, false, nil
}

func (m *MemStore) List(_ context.Context) ([]Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return &store.ErrNotFound{What: "agent definition " + id}
	}
	delete(m.defs, id)
	return nil
}

// ModuleConfig adapts MemStore to wasmagent.ConfigSource, looking a
// definition up by the module digest it points at (the caller passes
// the digest as moduleID, matching what a task's ModuleID carries).
func (m *MemStore) ModuleConfig(_ context.Context, moduleDigest string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.ModuleDigest == moduleDigest {
			return d.Config, nil
		}
	}
	return json.RawMessage("{}"), nil
}
