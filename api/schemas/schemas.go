package schemas

import (
	"errors"
	"time"
)

// -- Canonical Graph Data Model --

// Entity represents a single actor or concept in a project's relationship
// graph. The ID is the durable identity key: two entities with the same ID
// within a project are the same real-world thing by definition. The label is
// the human-readable name as it appears in the source text, and Attributes
// holds free-form classification metadata emitted by the oracle (for example
// an affiliation).
type Entity struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Relation is a directed, labeled edge between two entities of the same
// project. Source and Target must reference entities present in the project's
// entity set; a relation pointing at a missing entity is invalid and is
// dropped at merge time, never silently rendered.
type Relation struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

// Key returns the identity triple used when deduplicating relations.
// Byte-identical triples are collapsed by the cleanup pass only; the
// per-fragment merge deliberately lets them accumulate.
func (r Relation) Key() string {
	return r.Source + "\x00" + r.Target + "\x00" + r.Label
}

// GraphFragment is the payload returned by one oracle call: a small set of
// candidate entities and relations extracted from a single text segment.
type GraphFragment struct {
	Nodes []Entity   `json:"nodes"`
	Edges []Relation `json:"edges"`
}

// ProjectGraph is the full persisted graph of one project. Nodes are kept in
// insertion order; the cleanup pass relies on that order to pick the
// earliest-inserted entity as the survivor of a duplicate group. Edges form a
// multiset: exact duplicates are permitted.
type ProjectGraph struct {
	Nodes []Entity   `json:"nodes"`
	Edges []Relation `json:"edges"`
}

// Project is the top-level container that owns a graph and its jobs.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// -- Merge & Cleanup Results --

// DroppedEdge records a relation rejected during a merge because one of its
// endpoints did not exist in the entity set. Reason names the missing side.
type DroppedEdge struct {
	Relation
	Reason string `json:"reason"`
}

// MergeResult summarizes the effect of folding one fragment into a project
// graph.
type MergeResult struct {
	AddedEntities int           `json:"added_entities"`
	AddedEdges    int           `json:"added_edges"`
	DroppedEdges  []DroppedEdge `json:"dropped_edges,omitempty"`
}

// CleanupResult summarizes a deduplication pass over a project graph.
type CleanupResult struct {
	MergedEntities int `json:"merged_entities"`
	RemovedEdges   int `json:"removed_edges"`
}

// -- Export / Import --

// ExportProject is the project header of an export bundle.
type ExportProject struct {
	Name string `json:"name"`
}

// ExportBundle is the backup/import wire format for a whole project graph.
// The field order is part of the format.
type ExportBundle struct {
	Project ExportProject `json:"project"`
	Nodes   []Entity      `json:"nodes"`
	Edges   []Relation    `json:"edges"`
}

// -- Oracle Model Registry --

// ModelConfig describes one configured oracle endpoint. BaseURL points at an
// OpenAI-compatible chat-completion API; ModelID is the provider-side model
// name. At most one config is the default.
type ModelConfig struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	BaseURL   string    `json:"base_url"`
	ModelID   string    `json:"model_id"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// -- Shared sentinel errors --

var (
	// ErrProjectNotFound is returned by stores when the referenced project
	// does not exist. During an analysis run it is fatal: the job fails.
	ErrProjectNotFound = errors.New("project not found")
	// ErrJobNotFound is returned by job stores for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrModelNotFound is returned by the model registry for unknown ids,
	// and when a default model is requested but none is configured.
	ErrModelNotFound = errors.New("model not found")
)
