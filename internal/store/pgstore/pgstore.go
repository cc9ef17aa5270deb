// Package pgstore is the Postgres-backed Store, used in production
// deployments. It applies its own embedded migrations on startup and
// keeps the same hash-chained audit trail as memstore, persisted in the
// audit_events table.
package pgstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/store/pgstore/migrations"
)

type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection pool so sibling stores (agentdef's
// module and definition tables live in the same database) can share it
// instead of opening a second pool.
func (s *Store) DB() *sql.DB { return s.db }

var _ store.Store = (*Store)(nil)

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := s.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (s *Store) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (s *Store) CreateAction(ctx context.Context, action graph.Action, tasks []graph.Task) (graph.Action, []graph.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.Action{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Status == "" {
		action.Status = graph.ActionDraft
	}
	action.CreatedAt, action.UpdatedAt = now, now

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO actions (id, title, root_prompt, status, parent_action_id, parent_task_id, depth, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		action.ID, action.Title, action.RootPrompt, action.Status, action.ParentActionID, action.ParentTaskID, action.Depth, action.CreatedAt, action.UpdatedAt,
	); err != nil {
		return graph.Action{}, nil, err
	}

	out := make([]graph.Task, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.ActionID = action.ID
		if t.Status == "" {
			t.Status = graph.TaskPending
		}
		t.CreatedAt, t.UpdatedAt = now, now
		deps, err := json.Marshal(t.Dependencies)
		if err != nil {
			return graph.Action{}, nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, action_id, prompt, agent_type, model, module_id, status, dependencies_json, output_summary, artifact_ids_json, sub_action_id, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			t.ID, t.ActionID, t.Prompt, t.AgentType, t.Model, t.ModuleID, t.Status, string(deps), t.OutputSummary, "[]", t.SubActionID, t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return graph.Action{}, nil, err
		}
		out[i] = t
	}

	if err := s.appendAuditTx(ctx, tx, action.ID, "action.created", "system", action.Title); err != nil {
		return graph.Action{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return graph.Action{}, nil, err
	}
	return action, out, nil
}

func (s *Store) GetAction(ctx context.Context, actionID string) (graph.Action, bool, error) {
	var a graph.Action
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, root_prompt, status, parent_action_id, parent_task_id, depth, created_at, updated_at FROM actions WHERE id=$1`, actionID,
	).Scan(&a.ID, &a.Title, &a.RootPrompt, &a.Status, &a.ParentActionID, &a.ParentTaskID, &a.Depth, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Action{}, false, nil
	}
	if err != nil {
		return graph.Action{}, false, err
	}
	return a, true, nil
}

func (s *Store) ListActions(ctx context.Context, filter store.ListActionsFilter) ([]graph.Action, error) {
	query := `SELECT id, title, root_prompt, status, parent_action_id, parent_task_id, depth, created_at, updated_at FROM actions`
	args := make([]any, 0, 1)
	if filter.Status != "" {
		query += ` WHERE status=$1`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]graph.Action, 0)
	for rows.Next() {
		var a graph.Action
		if err := rows.Scan(&a.ID, &a.Title, &a.RootPrompt, &a.Status, &a.ParentActionID, &a.ParentTaskID, &a.Depth, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAction(ctx context.Context, action graph.Action) error {
	action.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET title=$2, status=$3, updated_at=$4 WHERE id=$1`,
		action.ID, action.Title, action.Status, action.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &store.ErrNotFound{What: "action " + action.ID}
	}
	return nil
}

func (s *Store) DeleteAction(ctx context.Context, actionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id=$1`, actionID); err != nil {
		return err
	}
	return s.appendAudit(ctx, actionID, "action.deleted", "system", "")
}

func (s *Store) CreateTasks(ctx context.Context, actionID string, specs []graph.TaskSpec) ([]graph.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	out := make([]graph.Task, 0, len(specs))
	for _, spec := range specs {
		deps, err := json.Marshal(spec.Dependencies)
		if err != nil {
			return nil, err
		}
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		t := graph.Task{
			ID:           id,
			ActionID:     actionID,
			Prompt:       spec.Prompt,
			AgentType:    spec.AgentType,
			Model:        spec.Model,
			ModuleID:     spec.ModuleID,
			Status:       graph.TaskPending,
			Dependencies: spec.Dependencies,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, action_id, prompt, agent_type, model, module_id, status, dependencies_json, output_summary, artifact_ids_json, sub_action_id, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			t.ID, t.ActionID, t.Prompt, t.AgentType, t.Model, t.ModuleID, t.Status, string(deps), t.OutputSummary, "[]", t.SubActionID, t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := s.appendAuditTx(ctx, tx, actionID, "tasks.created", "system", fmt.Sprintf("%d tasks", len(specs))); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListTasks(ctx context.Context, actionID string) ([]graph.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, prompt, agent_type, model, module_id, status, dependencies_json, output_summary, artifact_ids_json, sub_action_id, created_at, updated_at
		 FROM tasks WHERE action_id=$1`, actionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]graph.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, taskID string) (graph.Task, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, action_id, prompt, agent_type, model, module_id, status, dependencies_json, output_summary, artifact_ids_json, sub_action_id, created_at, updated_at
		 FROM tasks WHERE id=$1`, taskID,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Task{}, false, nil
	}
	if err != nil {
		return graph.Task{}, false, err
	}
	return t, true, nil
}

func (s *Store) UpdateTask(ctx context.Context, task graph.Task, patch store.TaskPatch) (graph.Task, error) {
	cur, ok, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return graph.Task{}, err
	}
	if !ok {
		return graph.Task{}, &store.ErrNotFound{What: "task " + task.ID}
	}
	if patch.Prompt != nil {
		cur.Prompt = *patch.Prompt
	}
	if patch.AgentType != nil {
		cur.AgentType = *patch.AgentType
	}
	if patch.Model != nil {
		cur.Model = *patch.Model
	}
	if patch.ModuleID != nil {
		cur.ModuleID = *patch.ModuleID
	}
	if patch.Dependencies != nil {
		cur.Dependencies = *patch.Dependencies
	}
	cur.UpdatedAt = time.Now().UTC()
	deps, err := json.Marshal(cur.Dependencies)
	if err != nil {
		return graph.Task{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt=$2, agent_type=$3, model=$4, module_id=$5, dependencies_json=$6, updated_at=$7 WHERE id=$1`,
		cur.ID, cur.Prompt, cur.AgentType, cur.Model, cur.ModuleID, string(deps), cur.UpdatedAt,
	); err != nil {
		return graph.Task{}, err
	}
	if err := s.appendAudit(ctx, cur.ActionID, "task.edited", "operator", cur.ID); err != nil {
		return graph.Task{}, err
	}
	return cur, nil
}

// SetTaskSubAction records that a "sub_action" task has spawned a child
// action.
func (s *Store) SetTaskSubAction(ctx context.Context, taskID, subActionID string) error {
	task, ok, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return &store.ErrNotFound{What: "task " + taskID}
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sub_action_id=$2, updated_at=$3 WHERE id=$1`,
		taskID, subActionID, time.Now().UTC(),
	); err != nil {
		return err
	}
	return s.appendAudit(ctx, task.ActionID, "task.sub_action", "executor", taskID+" -> "+subActionID)
}

func (s *Store) SetTaskStatus(ctx context.Context, taskID string, newStatus string, result store.TaskResult) (graph.Task, error) {
	cur, ok, err := s.GetTask(ctx, taskID)
	if err != nil {
		return graph.Task{}, err
	}
	if !ok {
		return graph.Task{}, &store.ErrNotFound{What: "task " + taskID}
	}
	if !store.ValidTransition(cur.Status, newStatus) {
		return graph.Task{}, &store.ErrInvalidTransition{From: cur.Status, To: newStatus}
	}
	cur.Status = newStatus
	cur.UpdatedAt = time.Now().UTC()
	if newStatus == graph.TaskCompleted {
		cur.OutputSummary = result.OutputSummary
		cur.ArtifactIDs = result.ArtifactIDs
	}
	artifactIDs, err := json.Marshal(cur.ArtifactIDs)
	if err != nil {
		return graph.Task{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, output_summary=$3, artifact_ids_json=$4, updated_at=$5 WHERE id=$1`,
		cur.ID, cur.Status, cur.OutputSummary, string(artifactIDs), cur.UpdatedAt,
	); err != nil {
		return graph.Task{}, err
	}
	if err := s.appendAudit(ctx, cur.ActionID, "task.status", "executor", taskID+" -> "+newStatus); err != nil {
		return graph.Task{}, err
	}
	return cur, nil
}

func (s *Store) ResetTasks(ctx context.Context, taskIDs []string) error {
	for _, id := range taskIDs {
		task, ok, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status=$2, output_summary='', artifact_ids_json='[]', updated_at=$3 WHERE id=$1`,
			id, graph.TaskPending, time.Now().UTC(),
		); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, task.ActionID, "tasks.reset", "mutation", id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	task, ok, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return &store.ErrNotFound{What: "task " + taskID}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID); err != nil {
		return err
	}
	return s.appendAudit(ctx, task.ActionID, "task.deleted", "mutation", taskID)
}

func (s *Store) AppendLog(ctx context.Context, entry graph.LogEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, level, message, payload_json, created_at) VALUES ($1,$2,$3,$4,$5)`,
		entry.TaskID, entry.Level, entry.Message, string(payload), entry.CreatedAt,
	)
	return err
}

func (s *Store) ListLogs(ctx context.Context, taskID string, limit int) ([]graph.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, level, message, payload_json, created_at FROM task_logs
		 WHERE task_id=$1 ORDER BY id DESC LIMIT $2`, taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]graph.LogEntry, 0)
	for rows.Next() {
		var e graph.LogEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *Store) PutArtifact(ctx context.Context, artifact graph.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, task_id, mime_type, store_path, size_bytes, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		artifact.ID, artifact.TaskID, artifact.MimeType, artifact.StorePath, artifact.SizeBytes, artifact.CreatedAt,
	)
	return err
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (graph.Artifact, bool, error) {
	var a graph.Artifact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, mime_type, store_path, size_bytes, created_at FROM artifacts WHERE id=$1`, artifactID,
	).Scan(&a.ID, &a.TaskID, &a.MimeType, &a.StorePath, &a.SizeBytes, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Artifact{}, false, nil
	}
	if err != nil {
		return graph.Artifact{}, false, err
	}
	return a, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (graph.Task, error) {
	var t graph.Task
	var deps, artifactIDs string
	if err := row.Scan(&t.ID, &t.ActionID, &t.Prompt, &t.AgentType, &t.Model, &t.ModuleID, &t.Status, &deps, &t.OutputSummary, &artifactIDs, &t.SubActionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return graph.Task{}, err
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return graph.Task{}, err
	}
	if err := json.Unmarshal([]byte(artifactIDs), &t.ArtifactIDs); err != nil {
		return graph.Task{}, err
	}
	return t, nil
}

func (s *Store) appendAudit(ctx context.Context, actionID, kind, actor, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.appendAuditTx(ctx, tx, actionID, kind, actor, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) appendAuditTx(ctx context.Context, tx *sql.Tx, actionID, kind, actor, detail string) error {
	var prevHash string
	err := tx.QueryRowContext(ctx,
		`SELECT event_hash FROM audit_events WHERE action_id=$1 ORDER BY id DESC LIMIT 1`, actionID,
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	now := time.Now().UTC()
	hash := computeAuditHash(actionID, kind, actor, detail, prevHash, now)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (action_id, kind, actor, detail, prev_hash, event_hash, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		actionID, kind, actor, detail, prevHash, hash, now,
	)
	return err
}

func computeAuditHash(actionID, kind, actor, detail, prevHash string, createdAt time.Time) string {
	payload := map[string]any{
		"action_id":  actionID,
		"kind":       kind,
		"actor":      actor,
		"detail":     detail,
		"prev_hash":  prevHash,
		"created_at": createdAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
