// internal/jobs/orchestrator_test.go
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/graph"
	"github.com/arkadich/graphloom/internal/oracle"
	"github.com/arkadich/graphloom/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedOracle drives each test scenario: invoke is called with the 1-based
// call number and returns whatever the script dictates.
type scriptedOracle struct {
	mu     sync.Mutex
	calls  int
	invoke func(ctx context.Context, call int, text string) (*schemas.GraphFragment, error)
}

func (s *scriptedOracle) Invoke(ctx context.Context, systemPrompt, userText string) (*schemas.GraphFragment, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.invoke(ctx, call, userText)
}

func (s *scriptedOracle) Probe(ctx context.Context) (string, error) { return "ok", nil }

func (s *scriptedOracle) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func factoryFor(o schemas.Oracle) schemas.OracleFactory {
	return func(schemas.ModelConfig) (schemas.Oracle, error) { return o, nil }
}

func testModel() schemas.ModelConfig {
	return schemas.ModelConfig{Name: "scripted", BaseURL: "http://test", ModelID: "test-model"}
}

// fragmentForCall returns a distinct single-node fragment per call so the
// final graph records which calls succeeded.
func fragmentForCall(call int) *schemas.GraphFragment {
	id := fmt.Sprintf("char%d", call)
	return &schemas.GraphFragment{
		Nodes: []schemas.Entity{{ID: id, Label: fmt.Sprintf("角色%d", call)}},
	}
}

type fixture struct {
	store *store.Memory
	orch  *Orchestrator
	proj  schemas.Project
}

func newFixture(t *testing.T, o schemas.Oracle) *fixture {
	t.Helper()
	mem := store.NewMemory(100)
	p, err := mem.CreateProject(context.Background(), "test")
	require.NoError(t, err)

	merger := graph.NewMerger(mem, zap.NewNop())
	orch := NewOrchestrator(mem, merger, factoryFor(o), Options{ChunkSize: 500}, zap.NewNop())
	t.Cleanup(orch.Stop)
	return &fixture{store: mem, orch: orch, proj: p}
}

// waitTerminal polls until the job leaves the running states.
func waitTerminal(t *testing.T, orch *Orchestrator, jobID string) schemas.Job {
	t.Helper()
	var job schemas.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = orch.Status(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "job never reached a terminal state")
	return job
}

func TestRun_PartialFailureStillCompletes(t *testing.T) {
	// 2350 runes at chunkSize 500 -> 5 segments. The 5th oracle reply is
	// malformed; the job still completes with the 4 good fragments merged.
	o := &scriptedOracle{invoke: func(_ context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		if call == 5 {
			return nil, &oracle.Error{Kind: oracle.KindMalformedResponse, Err: errors.New("no JSON found")}
		}
		return fragmentForCall(call), nil
	}}
	f := newFixture(t, o)

	jobID, err := f.orch.Submit(context.Background(), f.proj.ID, testModel(), strings.Repeat("文", 2350))
	require.NoError(t, err)

	job := waitTerminal(t, f.orch, jobID)
	assert.Equal(t, schemas.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Contains(t, job.Message, "4/5")
	assert.Equal(t, 5, o.callCount())

	g, err := f.store.GetGraph(context.Background(), f.proj.ID)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 4, "union of the four successful fragments")

	// Exactly one failure entry in the analysis log.
	entries, err := f.store.ListLogs(context.Background(), 100)
	require.NoError(t, err)
	failures := 0
	for _, e := range entries {
		if e.Level == schemas.LogError {
			assert.Equal(t, jobID, e.TaskID)
			assert.Contains(t, e.Message, "segment 5/5")
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestRun_AllSegmentsFailed(t *testing.T) {
	o := &scriptedOracle{invoke: func(context.Context, int, string) (*schemas.GraphFragment, error) {
		return nil, &oracle.Error{Kind: oracle.KindTransport, Err: errors.New("connection refused")}
	}}
	f := newFixture(t, o)

	jobID, err := f.orch.Submit(context.Background(), f.proj.ID, testModel(), strings.Repeat("a", 1000))
	require.NoError(t, err)

	job := waitTerminal(t, f.orch, jobID)
	assert.Equal(t, schemas.JobFailed, job.Status)
	assert.Contains(t, job.Message, "all 2 segments failed")

	g, err := f.store.GetGraph(context.Background(), f.proj.ID)
	require.NoError(t, err)
	assert.Empty(t, g.Nodes, "failed job leaves the graph untouched")
}

func TestRun_CancellationFreezesProgress(t *testing.T) {
	// The first two segments succeed; the third blocks until cancelled.
	reached := make(chan struct{})
	o := &scriptedOracle{invoke: func(ctx context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		if call < 3 {
			return fragmentForCall(call), nil
		}
		close(reached)
		<-ctx.Done()
		return nil, &oracle.Error{Kind: oracle.KindCancelled, Err: ctx.Err()}
	}}
	f := newFixture(t, o)

	jobID, err := f.orch.Submit(context.Background(), f.proj.ID, testModel(), strings.Repeat("b", 2500))
	require.NoError(t, err)

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("oracle never reached the third segment")
	}
	require.NoError(t, f.orch.Cancel(context.Background(), jobID))

	job := waitTerminal(t, f.orch, jobID)
	assert.Equal(t, schemas.JobCancelled, job.Status)
	assert.Equal(t, 40, job.Progress, "progress frozen at the last finished segment (2/5)")
	assert.Equal(t, 3, o.callCount(), "remaining segments are never attempted")

	g, err := f.store.GetGraph(context.Background(), f.proj.ID)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2, "work merged before cancellation is kept")
}

func TestSubmit_Validation(t *testing.T) {
	o := &scriptedOracle{invoke: func(_ context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		return fragmentForCall(call), nil
	}}
	f := newFixture(t, o)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, f.proj.ID, testModel(), "   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = f.orch.Submit(ctx, f.proj.ID, schemas.ModelConfig{}, "some text")
	assert.ErrorIs(t, err, ErrNoModel)

	// Validation failures never leave a job record behind.
	jobs, err := f.orch.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmit_InvalidChunkSize(t *testing.T) {
	mem := store.NewMemory(100)
	p, err := mem.CreateProject(context.Background(), "test")
	require.NoError(t, err)

	orch := NewOrchestrator(mem, graph.NewMerger(mem, zap.NewNop()), factoryFor(&scriptedOracle{}), Options{ChunkSize: 7}, zap.NewNop())
	defer orch.Stop()

	_, err = orch.Submit(context.Background(), p.ID, testModel(), "some text")
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestSubmit_OneRunningJobPerProject(t *testing.T) {
	release := make(chan struct{})
	o := &scriptedOracle{invoke: func(ctx context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		select {
		case <-release:
			return fragmentForCall(call), nil
		case <-ctx.Done():
			return nil, &oracle.Error{Kind: oracle.KindCancelled, Err: ctx.Err()}
		}
	}}
	f := newFixture(t, o)
	ctx := context.Background()

	first, err := f.orch.Submit(ctx, f.proj.ID, testModel(), strings.Repeat("x", 600))
	require.NoError(t, err)

	// Same project: rejected while the first job runs.
	_, err = f.orch.Submit(ctx, f.proj.ID, testModel(), strings.Repeat("y", 600))
	assert.ErrorIs(t, err, ErrJobRunning)

	// A different project runs concurrently.
	other, err := f.store.CreateProject(ctx, "other")
	require.NoError(t, err)
	second, err := f.orch.Submit(ctx, other.ID, testModel(), strings.Repeat("z", 600))
	require.NoError(t, err)

	close(release)
	assert.Equal(t, schemas.JobCompleted, waitTerminal(t, f.orch, first).Status)
	assert.Equal(t, schemas.JobCompleted, waitTerminal(t, f.orch, second).Status)

	// The slot frees up once the job finishes.
	third, err := f.orch.Submit(ctx, f.proj.ID, testModel(), strings.Repeat("w", 600))
	require.NoError(t, err)
	waitTerminal(t, f.orch, third)
}

func TestRun_MergeFailureIsFatal(t *testing.T) {
	o := &scriptedOracle{invoke: func(_ context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		return fragmentForCall(call), nil
	}}
	f := newFixture(t, o)

	// The project disappears before the run starts; the first merge fails
	// and the job fails with it.
	jobID, err := f.orch.Submit(context.Background(), "proj_gone", testModel(), strings.Repeat("c", 1200))
	require.NoError(t, err)

	job := waitTerminal(t, f.orch, jobID)
	assert.Equal(t, schemas.JobFailed, job.Status)
	assert.Contains(t, job.Message, "merge failed")
	assert.Equal(t, 1, o.callCount(), "no further oracle calls after a fatal merge failure")
}

func TestCancel_Semantics(t *testing.T) {
	o := &scriptedOracle{invoke: func(_ context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		return fragmentForCall(call), nil
	}}
	f := newFixture(t, o)
	ctx := context.Background()

	assert.ErrorIs(t, f.orch.Cancel(ctx, "task_nope"), schemas.ErrJobNotFound)

	jobID, err := f.orch.Submit(ctx, f.proj.ID, testModel(), strings.Repeat("d", 600))
	require.NoError(t, err)
	waitTerminal(t, f.orch, jobID)

	// Cancelling a finished job is a no-op, not an error.
	assert.NoError(t, f.orch.Cancel(ctx, jobID))
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobCompleted, job.Status)
}

func TestStop_CancelsRunningJobs(t *testing.T) {
	o := &scriptedOracle{invoke: func(ctx context.Context, call int, _ string) (*schemas.GraphFragment, error) {
		<-ctx.Done()
		return nil, &oracle.Error{Kind: oracle.KindCancelled, Err: ctx.Err()}
	}}

	mem := store.NewMemory(100)
	p, err := mem.CreateProject(context.Background(), "test")
	require.NoError(t, err)
	orch := NewOrchestrator(mem, graph.NewMerger(mem, zap.NewNop()), factoryFor(o), Options{ChunkSize: 500}, zap.NewNop())

	jobID, err := orch.Submit(context.Background(), p.ID, testModel(), strings.Repeat("e", 600))
	require.NoError(t, err)

	// Stop blocks until the runner goroutine has exited.
	orch.Stop()

	job, err := orch.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobCancelled, job.Status)
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		done, total, want int
	}{
		{1, 5, 20},
		{2, 5, 40},
		{5, 5, 100},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 1, 100},
		{0, 0, 100},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, progressPercent(tc.done, tc.total),
			"progressPercent(%d, %d)", tc.done, tc.total)
	}
}
