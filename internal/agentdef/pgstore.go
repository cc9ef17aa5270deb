package agentdef

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/store"
)

// PGModuleStore persists WASM module blobs in Postgres, in the
// agent_module_blobs table created by the pgstore migrations.
type PGModuleStore struct {
	db *sql.DB
}

func NewPGModuleStore(db *sql.DB) *PGModuleStore {
	return &PGModuleStore{db: db}
}

var _ ModuleStore = (*PGModuleStore)(nil)

func (p *PGModuleStore) Put(ctx context.Context, wasmBytes []byte) (string, error) {
	digest := Digest(wasmBytes)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO agent_module_blobs (digest, content, size_bytes, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (digest) DO NOTHING`,
		digest, wasmBytes, len(wasmBytes), time.Now().UTC(),
	)
	return digest, err
}

func (p *PGModuleStore) Get(ctx context.Context, digest string) ([]byte, error) {
	var content []byte
	err := p.db.QueryRowContext(ctx, `SELECT content FROM agent_module_blobs WHERE digest=$1`, digest).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.ErrNotFound{What: "wasm module " + digest}
	}
	return content, err
}

func (p *PGModuleStore) ModuleBytes(ctx context.Context, moduleID string) ([]byte, error) {
	return p.Get(ctx, moduleID)
}

// PGStore persists agent definition metadata in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

var _ Store = (*PGStore)(nil)

func (p *PGStore) Create(ctx context.Context, def Definition) (Definition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now
	cfg := def.Config
	if cfg == nil {
		cfg = json.RawMessage("{}")
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO agent_definitions (id, name, description, module_digest, config_json, created_by, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		def.ID, def.Name, def.Description, def.ModuleDigest, string(cfg), def.CreatedBy, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (p *PGStore) Get(ctx context.Context, id string) (Definition, bool, error) {
	return p.scanOne(ctx, `SELECT id, name, description, module_digest, config_json, created_by, created_at, updated_at
		FROM agent_definitions WHERE id=$1`, id)
}

func (p *PGStore) GetByName(ctx context.Context, name string) (Definition, bool, error) {
	return p.scanOne(ctx, `SELECT id, name, description, module_digest, config_json, created_by, created_at, updated_at
		FROM agent_definitions WHERE name=$1`, name)
}

func (p *PGStore) scanOne(ctx context.Context, query, arg string) (Definition, bool, error) {
	var d Definition
	var cfg string
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&d.ID, &d.Name, &d.Description, &d.ModuleDigest, &cfg, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, false, nil
	}
	if err != nil {
		return Definition{}, false, err
	}
	d.Config = json.RawMessage(cfg)
	return d, true, nil
}

func (p *PGStore) List(ctx context.Context) ([]Definition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, description, module_digest, config_json, created_by, created_at, updated_at
		FROM agent_definitions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Definition, 0)
	for rows.Next() {
		var d Definition
		var cfg string
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.ModuleDigest, &cfg, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Config = json.RawMessage(cfg)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PGStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM agent_definitions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &store.ErrNotFound{What: "agent definition " + id}
	}
	return nil
}

// ModuleConfig adapts PGStore to wasmagent.ConfigSource.
func (p *PGStore) ModuleConfig(ctx context.Context, moduleDigest string) (json.RawMessage, error) {
	var cfg string
	err := p.db.QueryRowContext(ctx, `SELECT config_json FROM agent_definitions WHERE module_digest=$1 LIMIT 1`, moduleDigest).Scan(&cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage("{}"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(cfg), nil
}
