// Package graph folds oracle fragments into persisted project graphs and
// runs the duplicate-entity cleanup pass.
package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
)

// Merger folds one fragment at a time into a project's graph. Each merge is
// atomic: the graph is read, folded in memory, and swapped back in a single
// ReplaceGraph call, so a failed merge leaves the prior state intact.
type Merger struct {
	store schemas.GraphStore
	log   *zap.Logger
}

// NewMerger returns a merger bound to the given store.
func NewMerger(store schemas.GraphStore, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: store, log: logger.Named("merger")}
}

// Merge folds a fragment into the project graph.
//
// Entities merge first-write-wins on id: an incoming entity whose id already
// exists is discarded entirely, label and attributes included. New entities
// append in fragment order. Edges append only when both endpoints exist in
// the post-entity-merge set; each rejected edge is returned as a DroppedEdge
// naming the missing side. Duplicate edges accumulate; the edge set is a
// multiset until a cleanup pass collapses it.
//
// The merge is purely additive: it never removes or rewrites anything that
// was in the graph before the call.
func (m *Merger) Merge(ctx context.Context, projectID string, fragment *schemas.GraphFragment) (schemas.MergeResult, error) {
	var result schemas.MergeResult
	if fragment == nil {
		return result, nil
	}

	g, err := m.store.GetGraph(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("loading graph for project %s: %w", projectID, err)
	}

	known := make(map[string]struct{}, len(g.Nodes)+len(fragment.Nodes))
	for _, n := range g.Nodes {
		known[n.ID] = struct{}{}
	}

	for _, n := range fragment.Nodes {
		if _, exists := known[n.ID]; exists {
			continue
		}
		known[n.ID] = struct{}{}
		g.Nodes = append(g.Nodes, n)
		result.AddedEntities++
	}

	for _, e := range fragment.Edges {
		if _, ok := known[e.Source]; !ok {
			result.DroppedEdges = append(result.DroppedEdges, schemas.DroppedEdge{
				Relation: e,
				Reason:   fmt.Sprintf("source entity %q does not exist", e.Source),
			})
			continue
		}
		if _, ok := known[e.Target]; !ok {
			result.DroppedEdges = append(result.DroppedEdges, schemas.DroppedEdge{
				Relation: e,
				Reason:   fmt.Sprintf("target entity %q does not exist", e.Target),
			})
			continue
		}
		g.Edges = append(g.Edges, e)
		result.AddedEdges++
	}

	if err := m.store.ReplaceGraph(ctx, projectID, g); err != nil {
		return schemas.MergeResult{}, fmt.Errorf("persisting merged graph for project %s: %w", projectID, err)
	}

	if len(result.DroppedEdges) > 0 {
		m.log.Warn("Dropped dangling edges during merge",
			zap.String("project_id", projectID),
			zap.Int("dropped", len(result.DroppedEdges)),
		)
	}
	m.log.Debug("Fragment merged",
		zap.String("project_id", projectID),
		zap.Int("added_entities", result.AddedEntities),
		zap.Int("added_edges", result.AddedEdges),
	)
	return result, nil
}
