// Package jobs runs analysis jobs: it segments the input text, drives the
// oracle sequentially over the segments, folds each returned fragment into
// the project graph, and tracks the job lifecycle end to end.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/chunker"
	"github.com/arkadich/graphloom/internal/config"
	"github.com/arkadich/graphloom/internal/graph"
	"github.com/arkadich/graphloom/internal/oracle"
	"github.com/arkadich/graphloom/internal/store"
)

// Validation errors surfaced by Submit before any job record exists.
var (
	ErrEmptyText        = errors.New("analysis text must not be empty")
	ErrNoModel          = errors.New("no oracle model is configured")
	ErrInvalidChunkSize = errors.New("chunk size is out of the accepted range")
	// ErrJobRunning means the project already has a running job; one text at
	// a time per project keeps merges sequential.
	ErrJobRunning = errors.New("project already has a running analysis job")
)

// Options configures an Orchestrator.
type Options struct {
	ChunkSize    int
	SystemPrompt string
}

// Orchestrator owns every running analysis job in the process. Jobs persist
// in the JobStore; the in-memory maps only track the live goroutines and
// their cancel functions.
type Orchestrator struct {
	jobs      schemas.JobStore
	merger    *graph.Merger
	newOracle schemas.OracleFactory
	log       *zap.Logger

	chunkSize    int
	systemPrompt string

	mu         sync.Mutex
	perProject map[string]string // projectID -> running job id
	running    map[string]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewOrchestrator wires the pipeline together. The factory is invoked once
// per submitted job, binding the job to the model it was submitted with.
func NewOrchestrator(jobs schemas.JobStore, merger *graph.Merger, factory schemas.OracleFactory, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = 500
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}
	return &Orchestrator{
		jobs:         jobs,
		merger:       merger,
		newOracle:    factory,
		log:          logger.Named("jobs"),
		chunkSize:    chunkSize,
		systemPrompt: systemPrompt,
		perProject:   make(map[string]string),
		running:      make(map[string]context.CancelFunc),
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
	}
}

// Submit validates the request, creates the job record, and starts the run
// on its own goroutine. It returns the job id immediately; progress is
// observed through Status or the job store.
func (o *Orchestrator) Submit(ctx context.Context, projectID string, model schemas.ModelConfig, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if model.BaseURL == "" || model.ModelID == "" {
		return "", ErrNoModel
	}
	if o.chunkSize < config.MinChunkSize || o.chunkSize > config.MaxChunkSize {
		return "", ErrInvalidChunkSize
	}

	client, err := o.newOracle(model)
	if err != nil {
		return "", fmt.Errorf("building oracle client: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if jobID, busy := o.perProject[projectID]; busy {
		// The runner clears this entry shortly after persisting the terminal
		// status; a terminal record means the slot is effectively free.
		if j, err := o.jobs.GetJob(ctx, jobID); err == nil && !j.Status.Terminal() {
			return "", fmt.Errorf("%w (job %s)", ErrJobRunning, jobID)
		}
	}

	job := schemas.Job{
		ID:        store.NewJobID(),
		ProjectID: projectID,
		Status:    schemas.JobPending,
		ModelName: model.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("creating job record: %w", err)
	}

	jobCtx, cancel := context.WithCancel(o.rootCtx)
	o.perProject[projectID] = job.ID
	o.running[job.ID] = cancel

	o.wg.Add(1)
	go o.run(jobCtx, job, client, text)

	o.log.Info("Analysis job submitted",
		zap.String("job_id", job.ID),
		zap.String("project_id", projectID),
		zap.String("model", model.Name),
	)
	return job.ID, nil
}

// Cancel signals the running job to stop after its current segment. Jobs
// already in a terminal state are left untouched; cancelling them is a
// no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	cancel, live := o.running[jobID]
	o.mu.Unlock()

	if live {
		cancel()
		return nil
	}
	// Not live: either unknown or already terminal.
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	// Pending/running record without a live goroutine: a leftover from a
	// previous process. Close it out so it does not read as active forever.
	st := schemas.JobCancelled
	msg := "cancelled: no live runner for this job"
	return o.jobs.UpdateJob(ctx, jobID, schemas.JobPatch{Status: &st, Message: &msg})
}

// Status returns the persisted job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (schemas.Job, error) {
	return o.jobs.GetJob(ctx, jobID)
}

// List returns jobs newest first; empty projectID lists all.
func (o *Orchestrator) List(ctx context.Context, projectID string) ([]schemas.Job, error) {
	return o.jobs.ListJobs(ctx, projectID)
}

// Stop cancels every running job and blocks until their goroutines finish.
func (o *Orchestrator) Stop() {
	o.rootCancel()
	o.wg.Wait()
}

// progressPercent computes round(100*(done)/total) as an integer.
func progressPercent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return (200*done + total) / (2 * total)
}

func (o *Orchestrator) run(ctx context.Context, job schemas.Job, client schemas.Oracle, text string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.ID)
		if o.perProject[job.ProjectID] == job.ID {
			delete(o.perProject, job.ProjectID)
		}
		o.mu.Unlock()
	}()

	log := o.log.With(zap.String("job_id", job.ID), zap.String("project_id", job.ProjectID))

	// Store writes use a detached context so terminal status still persists
	// after the job (or the whole orchestrator) is cancelled.
	storeCtx := context.Background()

	o.setStatus(storeCtx, job.ID, schemas.JobRunning, nil, nil)

	segments := chunker.Split(text, o.chunkSize)
	if len(segments) == 0 {
		// Unreachable through Submit, which rejects empty text.
		p := 100
		msg := "no segments to analyze"
		o.setStatus(storeCtx, job.ID, schemas.JobCompleted, &p, &msg)
		return
	}

	total := len(segments)
	succeeded := 0
	failed := 0
	entitiesAdded := 0
	edgesAdded := 0

	for _, seg := range segments {
		select {
		case <-ctx.Done():
			o.finishCancelled(storeCtx, job.ID, log)
			return
		default:
		}

		fragment, err := client.Invoke(ctx, o.systemPrompt, seg.Text)
		if err != nil {
			if oracle.IsCancelled(err) {
				o.finishCancelled(storeCtx, job.ID, log)
				return
			}
			failed++
			o.appendLog(storeCtx, job.ID, schemas.LogError,
				fmt.Sprintf("segment %d/%d failed: %v", seg.Index+1, total, err))
			log.Warn("Segment analysis failed",
				zap.Int("segment", seg.Index),
				zap.String("kind", string(oracle.KindOf(err))),
				zap.Error(err),
			)
			o.updateProgress(storeCtx, job.ID, progressPercent(seg.Index+1, total))
			continue
		}

		result, err := o.merger.Merge(ctx, job.ProjectID, fragment)
		if err != nil {
			if oracle.IsCancelled(err) {
				o.finishCancelled(storeCtx, job.ID, log)
				return
			}
			// A merge failure is fatal: either the project is gone or the
			// store is broken, and continuing would burn oracle calls for
			// nothing.
			msg := fmt.Sprintf("merge failed at segment %d/%d: %v", seg.Index+1, total, err)
			o.appendLog(storeCtx, job.ID, schemas.LogError, msg)
			o.setStatus(storeCtx, job.ID, schemas.JobFailed, nil, &msg)
			log.Error("Merge failed, aborting job", zap.Error(err))
			return
		}

		succeeded++
		entitiesAdded += result.AddedEntities
		edgesAdded += result.AddedEdges
		if n := len(result.DroppedEdges); n > 0 {
			o.appendLog(storeCtx, job.ID, schemas.LogWarn,
				fmt.Sprintf("segment %d/%d: dropped %d dangling edge(s)", seg.Index+1, total, n))
		}
		o.updateProgress(storeCtx, job.ID, progressPercent(seg.Index+1, total))
	}

	if succeeded == 0 {
		msg := fmt.Sprintf("analysis failed: all %d segments failed", total)
		o.setStatus(storeCtx, job.ID, schemas.JobFailed, nil, &msg)
		o.appendLog(storeCtx, job.ID, schemas.LogError, msg)
		log.Warn("Analysis job failed", zap.Int("segments", total))
		return
	}

	p := 100
	msg := fmt.Sprintf("analysis complete: %d/%d segments succeeded, %d entities and %d edges added",
		succeeded, total, entitiesAdded, edgesAdded)
	if failed > 0 {
		msg += fmt.Sprintf(" (%d segment(s) failed)", failed)
	}
	o.setStatus(storeCtx, job.ID, schemas.JobCompleted, &p, &msg)
	o.appendLog(storeCtx, job.ID, schemas.LogInfo, msg)
	log.Info("Analysis job completed",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("entities_added", entitiesAdded),
		zap.Int("edges_added", edgesAdded),
	)
}

// finishCancelled marks the job cancelled, keeping the progress it already
// reached.
func (o *Orchestrator) finishCancelled(ctx context.Context, jobID string, log *zap.Logger) {
	msg := "analysis cancelled"
	o.setStatus(ctx, jobID, schemas.JobCancelled, nil, &msg)
	o.appendLog(ctx, jobID, schemas.LogInfo, msg)
	log.Info("Analysis job cancelled")
}

func (o *Orchestrator) setStatus(ctx context.Context, jobID string, status schemas.JobStatus, progress *int, message *string) {
	err := o.jobs.UpdateJob(ctx, jobID, schemas.JobPatch{Status: &status, Progress: progress, Message: message})
	if err != nil {
		o.log.Error("Failed to persist job status",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) updateProgress(ctx context.Context, jobID string, progress int) {
	if err := o.jobs.UpdateJob(ctx, jobID, schemas.JobPatch{Progress: &progress}); err != nil {
		o.log.Error("Failed to persist job progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, jobID string, level schemas.LogLevel, message string) {
	entry := schemas.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		TaskID:    jobID,
	}
	if err := o.jobs.AppendLog(ctx, entry); err != nil {
		o.log.Error("Failed to append analysis log entry", zap.String("job_id", jobID), zap.Error(err))
	}
}
