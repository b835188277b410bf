package schemas

import "context"

// -- Store Interfaces --

// GraphStore defines the persistence contract for projects and their graphs.
// This abstraction keeps the merge and cleanup logic independent of the
// concrete database (SQLite in production, in-memory for tests).
type GraphStore interface {
	CreateProject(ctx context.Context, name string) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	RenameProject(ctx context.Context, id, name string) error
	// DeleteProject removes the project and everything it owns: nodes,
	// edges, and job records.
	DeleteProject(ctx context.Context, id string) error

	// GetGraph returns the project's full graph with nodes in insertion
	// order. It fails with ErrProjectNotFound for unknown projects.
	GetGraph(ctx context.Context, projectID string) (ProjectGraph, error)
	// ReplaceGraph atomically swaps the project's graph for the given one.
	// Either the whole new graph is visible afterwards or, on failure, the
	// prior state is intact; partial rewrites are never observable.
	ReplaceGraph(ctx context.Context, projectID string, g ProjectGraph) error
}

// JobStore persists job records and the append-only analysis log across
// process restarts.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// UpdateJob applies a partial update. Updates to a job already in a
	// terminal status are rejected.
	UpdateJob(ctx context.Context, jobID string, patch JobPatch) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListJobs returns jobs newest first. An empty projectID lists all.
	ListJobs(ctx context.Context, projectID string) ([]Job, error)

	AppendLog(ctx context.Context, entry LogEntry) error
	// ListLogs returns the most recent entries, newest first.
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)
}

// ModelStore persists named oracle endpoint configurations.
type ModelStore interface {
	CreateModel(ctx context.Context, m ModelConfig) (ModelConfig, error)
	UpdateModel(ctx context.Context, m ModelConfig) error
	DeleteModel(ctx context.Context, id string) error
	ListModels(ctx context.Context) ([]ModelConfig, error)
	GetModel(ctx context.Context, id string) (ModelConfig, error)
	// DefaultModel returns the config flagged as default, or
	// ErrModelNotFound when none is.
	DefaultModel(ctx context.Context) (ModelConfig, error)
}

// -- Oracle Interfaces --

// Oracle is the external classification boundary: it sends one text segment
// (plus the fixed instruction prompt) to a completion service and returns the
// extracted graph fragment. Implementations must honor context cancellation
// before dispatch and in flight, and must never retry failed calls on their
// own.
type Oracle interface {
	Invoke(ctx context.Context, systemPrompt, userText string) (*GraphFragment, error)
	// Probe performs a single cheap round-trip to verify the endpoint is
	// reachable and the credentials work. It returns the raw reply text.
	Probe(ctx context.Context) (string, error)
}

// OracleFactory builds an Oracle for a given model configuration. The
// orchestrator receives a factory rather than a client so each job binds to
// the model it was submitted with.
type OracleFactory func(cfg ModelConfig) (Oracle, error)
