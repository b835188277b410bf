package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arkadich/graphloom/api/schemas"
)

// Memory is an in-process implementation of the same store interfaces,
// used by tests and ephemeral runs. All returned slices and graphs are deep
// copies; callers can mutate them freely.
type Memory struct {
	mu           sync.RWMutex
	projects     map[string]schemas.Project
	projectOrder []string
	graphs       map[string]schemas.ProjectGraph
	jobs         map[string]schemas.Job
	jobOrder     []string
	logs         []schemas.LogEntry
	nextLogID    int64
	models       map[string]schemas.ModelConfig
	modelOrder   []string
	logRetention int
}

var (
	_ schemas.GraphStore = (*Memory)(nil)
	_ schemas.JobStore   = (*Memory)(nil)
	_ schemas.ModelStore = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory(logRetention int) *Memory {
	if logRetention < 1 {
		logRetention = 1000
	}
	return &Memory{
		projects:     make(map[string]schemas.Project),
		graphs:       make(map[string]schemas.ProjectGraph),
		jobs:         make(map[string]schemas.Job),
		models:       make(map[string]schemas.ModelConfig),
		nextLogID:    1,
		logRetention: logRetention,
	}
}

func copyGraph(g schemas.ProjectGraph) schemas.ProjectGraph {
	out := schemas.ProjectGraph{
		Nodes: make([]schemas.Entity, len(g.Nodes)),
		Edges: make([]schemas.Relation, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		cp := n
		if n.Attributes != nil {
			cp.Attributes = make(map[string]string, len(n.Attributes))
			for k, v := range n.Attributes {
				cp.Attributes[k] = v
			}
		}
		out.Nodes[i] = cp
	}
	copy(out.Edges, g.Edges)
	return out
}

// -- Projects --

func (m *Memory) CreateProject(_ context.Context, name string) (schemas.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := schemas.Project{ID: newID("proj_"), Name: name, CreatedAt: time.Now().UTC()}
	m.projects[p.ID] = p
	m.projectOrder = append(m.projectOrder, p.ID)
	m.graphs[p.ID] = schemas.ProjectGraph{}
	return p, nil
}

func (m *Memory) GetProject(_ context.Context, id string) (schemas.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return schemas.Project{}, schemas.ErrProjectNotFound
	}
	return p, nil
}

func (m *Memory) ListProjects(_ context.Context) ([]schemas.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schemas.Project, 0, len(m.projectOrder))
	for _, id := range m.projectOrder {
		out = append(out, m.projects[id])
	}
	return out, nil
}

func (m *Memory) RenameProject(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return schemas.ErrProjectNotFound
	}
	p.Name = name
	m.projects[id] = p
	return nil
}

func (m *Memory) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return schemas.ErrProjectNotFound
	}
	delete(m.projects, id)
	delete(m.graphs, id)
	for i, pid := range m.projectOrder {
		if pid == id {
			m.projectOrder = append(m.projectOrder[:i], m.projectOrder[i+1:]...)
			break
		}
	}
	remaining := m.jobOrder[:0]
	for _, jid := range m.jobOrder {
		if m.jobs[jid].ProjectID == id {
			delete(m.jobs, jid)
			continue
		}
		remaining = append(remaining, jid)
	}
	m.jobOrder = remaining
	return nil
}

// -- Graph --

func (m *Memory) GetGraph(_ context.Context, projectID string) (schemas.ProjectGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[projectID]
	if !ok {
		return schemas.ProjectGraph{}, schemas.ErrProjectNotFound
	}
	return copyGraph(g), nil
}

func (m *Memory) ReplaceGraph(_ context.Context, projectID string, g schemas.ProjectGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.graphs[projectID]; !ok {
		return schemas.ErrProjectNotFound
	}
	m.graphs[projectID] = copyGraph(g)
	return nil
}

// -- Jobs --

func (m *Memory) CreateJob(_ context.Context, job schemas.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, jobID string, patch schemas.JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return schemas.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is already %s and cannot be updated", jobID, j.Status)
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.Message != nil {
		j.Message = *patch.Message
	}
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (schemas.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return schemas.Job{}, schemas.ErrJobNotFound
	}
	return j, nil
}

func (m *Memory) ListJobs(_ context.Context, projectID string) ([]schemas.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schemas.Job
	// jobOrder is insertion order; jobs list newest first.
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		j := m.jobs[m.jobOrder[i]]
		if projectID != "" && j.ProjectID != projectID {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// -- Analysis log --

func (m *Memory) AppendLog(_ context.Context, entry schemas.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ID = m.nextLogID
	m.nextLogID++
	m.logs = append(m.logs, entry)
	if overflow := len(m.logs) - m.logRetention; overflow > 0 {
		m.logs = append([]schemas.LogEntry(nil), m.logs[overflow:]...)
	}
	return nil
}

func (m *Memory) ListLogs(_ context.Context, limit int) ([]schemas.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.logs) {
		limit = len(m.logs)
	}
	out := make([]schemas.LogEntry, 0, limit)
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

// -- Model registry --

func (m *Memory) CreateModel(_ context.Context, cfg schemas.ModelConfig) (schemas.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.models) == 0 {
		cfg.IsDefault = true
	}
	if cfg.IsDefault {
		m.clearDefaultLocked()
	}
	cfg.ID = newID("model_")
	cfg.CreatedAt = time.Now().UTC()
	m.models[cfg.ID] = cfg
	m.modelOrder = append(m.modelOrder, cfg.ID)
	return cfg, nil
}

func (m *Memory) UpdateModel(_ context.Context, cfg schemas.ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.models[cfg.ID]
	if !ok {
		return schemas.ErrModelNotFound
	}
	if cfg.IsDefault {
		m.clearDefaultLocked()
	}
	cfg.CreatedAt = existing.CreatedAt
	m.models[cfg.ID] = cfg
	return nil
}

func (m *Memory) DeleteModel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, ok := m.models[id]
	if !ok {
		return schemas.ErrModelNotFound
	}
	delete(m.models, id)
	for i, mid := range m.modelOrder {
		if mid == id {
			m.modelOrder = append(m.modelOrder[:i], m.modelOrder[i+1:]...)
			break
		}
	}
	if deleted.IsDefault && len(m.modelOrder) > 0 {
		next := m.models[m.modelOrder[0]]
		next.IsDefault = true
		m.models[next.ID] = next
	}
	return nil
}

func (m *Memory) ListModels(_ context.Context) ([]schemas.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schemas.ModelConfig, 0, len(m.modelOrder))
	for _, id := range m.modelOrder {
		out = append(out, m.models[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetModel(_ context.Context, id string) (schemas.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.models[id]
	if !ok {
		return schemas.ModelConfig{}, schemas.ErrModelNotFound
	}
	return cfg, nil
}

func (m *Memory) DefaultModel(_ context.Context) (schemas.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cfg := range m.models {
		if cfg.IsDefault {
			return cfg, nil
		}
	}
	return schemas.ModelConfig{}, schemas.ErrModelNotFound
}

func (m *Memory) clearDefaultLocked() {
	for id, cfg := range m.models {
		if cfg.IsDefault {
			cfg.IsDefault = false
			m.models[id] = cfg
		}
	}
}
