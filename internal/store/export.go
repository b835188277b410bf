package store

import (
	"context"
	"fmt"

	"github.com/arkadich/graphloom/api/schemas"
)

// ExportProject serializes a project and its full graph into the portable
// bundle format. The graph is read in insertion order, so exporting and
// re-importing preserves the order the dedup pass depends on.
func ExportProject(ctx context.Context, gs schemas.GraphStore, projectID string) ([]byte, error) {
	p, err := gs.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	g, err := gs.GetGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}

	bundle := schemas.ExportBundle{
		Project: schemas.ExportProject{Name: p.Name},
		Nodes:   g.Nodes,
		Edges:   g.Edges,
	}
	if bundle.Nodes == nil {
		bundle.Nodes = []schemas.Entity{}
	}
	if bundle.Edges == nil {
		bundle.Edges = []schemas.Relation{}
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding export bundle for project %s: %w", projectID, err)
	}
	return data, nil
}

// ImportProject creates a fresh project from a bundle produced by
// ExportProject and installs its graph verbatim. It never merges into an
// existing project.
func ImportProject(ctx context.Context, gs schemas.GraphStore, data []byte) (schemas.Project, error) {
	var bundle schemas.ExportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return schemas.Project{}, fmt.Errorf("decoding import bundle: %w", err)
	}
	if bundle.Project.Name == "" {
		return schemas.Project{}, fmt.Errorf("import bundle has no project name")
	}

	p, err := gs.CreateProject(ctx, bundle.Project.Name)
	if err != nil {
		return schemas.Project{}, err
	}
	g := schemas.ProjectGraph{Nodes: bundle.Nodes, Edges: bundle.Edges}
	if err := gs.ReplaceGraph(ctx, p.ID, g); err != nil {
		// Leave no half-imported project behind.
		_ = gs.DeleteProject(ctx, p.ID)
		return schemas.Project{}, fmt.Errorf("installing imported graph: %w", err)
	}
	return p, nil
}
