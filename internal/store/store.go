// Package store persists projects, graphs, jobs, analysis logs, and model
// configurations in an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	label      TEXT NOT NULL,
	attributes TEXT NOT NULL DEFAULT '{}',
	position   INTEGER NOT NULL,
	PRIMARY KEY (project_id, id)
);

CREATE TABLE IF NOT EXISTS edges (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	label      TEXT NOT NULL,
	PRIMARY KEY (project_id, position)
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	progress   INTEGER NOT NULL DEFAULT 0,
	model_name TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);

CREATE TABLE IF NOT EXISTS logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	task_id   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS llm_models (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	api_key    TEXT NOT NULL DEFAULT '',
	base_url   TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed implementation of the GraphStore, JobStore, and
// ModelStore interfaces. A single *sql.DB is safe for concurrent use; write
// contention is absorbed by WAL mode and the busy timeout in the DSN.
type Store struct {
	db           *sql.DB
	log          *zap.Logger
	logRetention int
}

var (
	_ schemas.GraphStore = (*Store)(nil)
	_ schemas.JobStore   = (*Store)(nil)
	_ schemas.ModelStore = (*Store)(nil)
)

// Open opens (creating if necessary) the database at path and initializes
// the schema. logRetention bounds the analysis log table; values below 1
// fall back to 1000.
func Open(path string, logRetention int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logRetention < 1 {
		logRetention = 1000
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}
	// SQLite serializes writes; a single connection sidesteps SQLITE_BUSY
	// churn from the driver's pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db, log: logger.Named("store"), logRetention: logRetention}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// -- Projects --

func (s *Store) CreateProject(ctx context.Context, name string) (schemas.Project, error) {
	p := schemas.Project{
		ID:        newID("proj_"),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt)
	if err != nil {
		return schemas.Project{}, fmt.Errorf("creating project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (schemas.Project, error) {
	var p schemas.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return schemas.Project{}, schemas.ErrProjectNotFound
	}
	if err != nil {
		return schemas.Project{}, fmt.Errorf("loading project %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]schemas.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []schemas.Project
	for rows.Next() {
		var p schemas.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) RenameProject(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("renaming project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schemas.ErrProjectNotFound
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schemas.ErrProjectNotFound
	}
	// nodes and edges cascade; jobs carry no FK so the job history of a
	// deleted project is removed explicitly.
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("deleting jobs of project %s: %w", id, err)
	}
	return tx.Commit()
}

// -- Graph --

func (s *Store) GetGraph(ctx context.Context, projectID string) (schemas.ProjectGraph, error) {
	var g schemas.ProjectGraph
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return g, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, attributes FROM nodes WHERE project_id = ? ORDER BY position`,
		projectID)
	if err != nil {
		return g, fmt.Errorf("loading nodes of project %s: %w", projectID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var n schemas.Entity
		var attrs string
		if err := rows.Scan(&n.ID, &n.Label, &attrs); err != nil {
			return g, fmt.Errorf("scanning node row: %w", err)
		}
		if attrs != "" && attrs != "{}" {
			if err := json.UnmarshalFromString(attrs, &n.Attributes); err != nil {
				return g, fmt.Errorf("decoding attributes of node %s: %w", n.ID, err)
			}
		}
		g.Nodes = append(g.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return g, err
	}

	erows, err := s.db.QueryContext(ctx,
		`SELECT source, target, label FROM edges WHERE project_id = ? ORDER BY position`,
		projectID)
	if err != nil {
		return g, fmt.Errorf("loading edges of project %s: %w", projectID, err)
	}
	defer erows.Close()
	for erows.Next() {
		var e schemas.Relation
		if err := erows.Scan(&e.Source, &e.Target, &e.Label); err != nil {
			return g, fmt.Errorf("scanning edge row: %w", err)
		}
		g.Edges = append(g.Edges, e)
	}
	return g, erows.Err()
}

func (s *Store) ReplaceGraph(ctx context.Context, projectID string, g schemas.ProjectGraph) error {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clearing nodes of project %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clearing edges of project %s: %w", projectID, err)
	}

	for i, n := range g.Nodes {
		attrs := "{}"
		if len(n.Attributes) > 0 {
			encoded, err := json.MarshalToString(n.Attributes)
			if err != nil {
				return fmt.Errorf("encoding attributes of node %s: %w", n.ID, err)
			}
			attrs = encoded
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (project_id, id, label, attributes, position) VALUES (?, ?, ?, ?, ?)`,
			projectID, n.ID, n.Label, attrs, i); err != nil {
			return fmt.Errorf("inserting node %s: %w", n.ID, err)
		}
	}
	for i, e := range g.Edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (project_id, position, source, target, label) VALUES (?, ?, ?, ?, ?)`,
			projectID, i, e.Source, e.Target, e.Label); err != nil {
			return fmt.Errorf("inserting edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return tx.Commit()
}

// -- Jobs --

// NewJobID mints a job identifier. Exported so the orchestrator can create
// the record before spawning the runner goroutine.
func NewJobID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Store) CreateJob(ctx context.Context, job schemas.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, status, progress, model_name, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, string(job.Status), job.Progress, job.ModelName, job.Message, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, jobID string, patch schemas.JobPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning job update transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return schemas.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if schemas.JobStatus(current).Terminal() {
		return fmt.Errorf("job %s is already %s and cannot be updated", jobID, current)
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if patch.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *patch.Message)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, jobID)
	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}
	return tx.Commit()
}

func (s *Store) GetJob(ctx context.Context, jobID string) (schemas.Job, error) {
	var j schemas.Job
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, progress, model_name, message, created_at FROM jobs WHERE id = ?`,
		jobID).Scan(&j.ID, &j.ProjectID, &status, &j.Progress, &j.ModelName, &j.Message, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return schemas.Job{}, schemas.ErrJobNotFound
	}
	if err != nil {
		return schemas.Job{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	j.Status = schemas.JobStatus(status)
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, projectID string) ([]schemas.Job, error) {
	query := `SELECT id, project_id, status, progress, model_name, message, created_at FROM jobs`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []schemas.Job
	for rows.Next() {
		var j schemas.Job
		var status string
		if err := rows.Scan(&j.ID, &j.ProjectID, &status, &j.Progress, &j.ModelName, &j.Message, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		j.Status = schemas.JobStatus(status)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// -- Analysis log --

func (s *Store) AppendLog(ctx context.Context, entry schemas.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (timestamp, level, message, task_id) VALUES (?, ?, ?, ?)`,
		entry.Timestamp, string(entry.Level), entry.Message, entry.TaskID)
	if err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	// Bounded retention: keep only the newest logRetention rows.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT ?)`,
		s.logRetention)
	if err != nil {
		return fmt.Errorf("trimming log table: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, limit int) ([]schemas.LogEntry, error) {
	if limit <= 0 || limit > s.logRetention {
		limit = s.logRetention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, level, message, task_id FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()

	var entries []schemas.LogEntry
	for rows.Next() {
		var e schemas.LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Message, &e.TaskID); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		e.Level = schemas.LogLevel(level)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// -- Model registry --

func (s *Store) CreateModel(ctx context.Context, m schemas.ModelConfig) (schemas.ModelConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schemas.ModelConfig{}, fmt.Errorf("beginning model create transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_models`).Scan(&count); err != nil {
		return schemas.ModelConfig{}, fmt.Errorf("counting models: %w", err)
	}
	// The first registered model becomes the default automatically.
	if count == 0 {
		m.IsDefault = true
	}
	if m.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE llm_models SET is_default = 0`); err != nil {
			return schemas.ModelConfig{}, fmt.Errorf("clearing default flags: %w", err)
		}
	}

	m.ID = newID("model_")
	m.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO llm_models (id, name, api_key, base_url, model_id, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.APIKey, m.BaseURL, m.ModelID, boolToInt(m.IsDefault), m.CreatedAt)
	if err != nil {
		return schemas.ModelConfig{}, fmt.Errorf("creating model %s: %w", m.Name, err)
	}
	return m, tx.Commit()
}

func (s *Store) UpdateModel(ctx context.Context, m schemas.ModelConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning model update transaction: %w", err)
	}
	defer tx.Rollback()

	if m.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE llm_models SET is_default = 0`); err != nil {
			return fmt.Errorf("clearing default flags: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_models SET name = ?, api_key = ?, base_url = ?, model_id = ?, is_default = ? WHERE id = ?`,
		m.Name, m.APIKey, m.BaseURL, m.ModelID, boolToInt(m.IsDefault), m.ID)
	if err != nil {
		return fmt.Errorf("updating model %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schemas.ErrModelNotFound
	}
	return tx.Commit()
}

func (s *Store) DeleteModel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning model delete transaction: %w", err)
	}
	defer tx.Rollback()

	var wasDefault int
	err = tx.QueryRowContext(ctx, `SELECT is_default FROM llm_models WHERE id = ?`, id).Scan(&wasDefault)
	if err == sql.ErrNoRows {
		return schemas.ErrModelNotFound
	}
	if err != nil {
		return fmt.Errorf("loading model %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM llm_models WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting model %s: %w", id, err)
	}
	// Keep the "exactly one default" invariant when others remain.
	if wasDefault == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE llm_models SET is_default = 1
			 WHERE id = (SELECT id FROM llm_models ORDER BY created_at, id LIMIT 1)`); err != nil {
			return fmt.Errorf("promoting replacement default model: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListModels(ctx context.Context) ([]schemas.ModelConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key, base_url, model_id, is_default, created_at
		 FROM llm_models ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var models []schemas.ModelConfig
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *Store) GetModel(ctx context.Context, id string) (schemas.ModelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, base_url, model_id, is_default, created_at
		 FROM llm_models WHERE id = ?`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return schemas.ModelConfig{}, schemas.ErrModelNotFound
	}
	return m, err
}

func (s *Store) DefaultModel(ctx context.Context) (schemas.ModelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, base_url, model_id, is_default, created_at
		 FROM llm_models WHERE is_default = 1 LIMIT 1`)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return schemas.ModelConfig{}, schemas.ErrModelNotFound
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (schemas.ModelConfig, error) {
	var m schemas.ModelConfig
	var isDefault int
	err := row.Scan(&m.ID, &m.Name, &m.APIKey, &m.BaseURL, &m.ModelID, &isDefault, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return schemas.ModelConfig{}, err
		}
		return schemas.ModelConfig{}, fmt.Errorf("scanning model row: %w", err)
	}
	m.IsDefault = isDefault == 1
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
