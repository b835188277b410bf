package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
)

// Cleaner collapses duplicate entities that slipped past the oracle's
// id-reuse instruction: same character, same exact label, different ids
// across segments.
type Cleaner struct {
	store schemas.GraphStore
	log   *zap.Logger
}

// NewCleaner returns a cleaner bound to the given store.
func NewCleaner(store schemas.GraphStore, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: store, log: logger.Named("cleaner")}
}

// Cleanup deduplicates a project graph in one all-or-nothing pass.
//
// Entities are grouped by exact label match (case- and whitespace-
// sensitive). In each group the earliest-inserted entity survives; the
// others are removed and every edge referencing a removed id is rewritten to
// the survivor. After rewriting, exact (source, target, label) duplicate
// edges collapse to one occurrence. Edges whose endpoints never matched a
// duplicate group pass through untouched: endpoint validity is the merge
// step's concern, not cleanup's.
//
// The pass is idempotent: running it again on its own output changes
// nothing.
func (c *Cleaner) Cleanup(ctx context.Context, projectID string) (schemas.CleanupResult, error) {
	var result schemas.CleanupResult

	g, err := c.store.GetGraph(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("loading graph for project %s: %w", projectID, err)
	}

	// Earliest-inserted id per label; nodes are already in insertion order.
	survivorByLabel := make(map[string]string, len(g.Nodes))
	remap := make(map[string]string)
	kept := make([]schemas.Entity, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		survivor, seen := survivorByLabel[n.Label]
		if !seen {
			survivorByLabel[n.Label] = n.ID
			kept = append(kept, n)
			continue
		}
		remap[n.ID] = survivor
		result.MergedEntities++
	}

	seenEdges := make(map[string]struct{}, len(g.Edges))
	edges := make([]schemas.Relation, 0, len(g.Edges))
	for _, e := range g.Edges {
		if to, ok := remap[e.Source]; ok {
			e.Source = to
		}
		if to, ok := remap[e.Target]; ok {
			e.Target = to
		}
		key := e.Key()
		if _, dup := seenEdges[key]; dup {
			result.RemovedEdges++
			continue
		}
		seenEdges[key] = struct{}{}
		edges = append(edges, e)
	}

	if result.MergedEntities == 0 && result.RemovedEdges == 0 {
		// Already clean; leave the stored graph untouched.
		return result, nil
	}

	g.Nodes = kept
	g.Edges = edges
	if err := c.store.ReplaceGraph(ctx, projectID, g); err != nil {
		return schemas.CleanupResult{}, fmt.Errorf("persisting cleaned graph for project %s: %w", projectID, err)
	}

	c.log.Info("Cleanup pass complete",
		zap.String("project_id", projectID),
		zap.Int("merged_entities", result.MergedEntities),
		zap.Int("removed_edges", result.RemovedEdges),
	)
	return result, nil
}
