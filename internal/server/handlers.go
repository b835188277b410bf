package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/jobs"
	"github.com/arkadich/graphloom/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

// fail maps store and validation errors to HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, schemas.ErrProjectNotFound),
		errors.Is(err, schemas.ErrJobNotFound),
		errors.Is(err, schemas.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrEmptyText),
		errors.Is(err, jobs.ErrNoModel),
		errors.Is(err, jobs.ErrInvalidChunkSize):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobRunning):
		status = http.StatusConflict
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// -- Projects --

type projectRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}
	p, err := s.stores.Graph.CreateProject(c.Request.Context(), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.stores.Graph.ListProjects(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if projects == nil {
		projects = []schemas.Project{}
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) handleGetProject(c *gin.Context) {
	p, err := s.stores.Graph.GetProject(c.Request.Context(), c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleRenameProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}
	if err := s.stores.Graph.RenameProject(c.Request.Context(), c.Param("pid"), req.Name); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.stores.Graph.DeleteProject(c.Request.Context(), c.Param("pid")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleGetGraph returns the project graph for rendering. Dangling edges are
// filtered from the response but left in storage; they only disappear for
// good when a merge or cleanup rewrites the graph.
func (s *Server) handleGetGraph(c *gin.Context) {
	projectID := c.Param("pid")
	g, err := s.stores.Graph.GetGraph(c.Request.Context(), projectID)
	if err != nil {
		fail(c, err)
		return
	}

	known := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		known[n.ID] = struct{}{}
	}
	edges := make([]schemas.Relation, 0, len(g.Edges))
	dangling := 0
	for _, e := range g.Edges {
		if _, ok := known[e.Source]; !ok {
			dangling++
			continue
		}
		if _, ok := known[e.Target]; !ok {
			dangling++
			continue
		}
		edges = append(edges, e)
	}
	if dangling > 0 {
		s.log.Warn("Filtered dangling edges from graph response",
			zap.String("project_id", projectID),
			zap.Int("dangling", dangling),
		)
	}
	if g.Nodes == nil {
		g.Nodes = []schemas.Entity{}
	}
	g.Edges = edges
	c.JSON(http.StatusOK, g)
}

// -- Analysis --

type analyzeRequest struct {
	Text    string `json:"text" binding:"required"`
	ModelID string `json:"model_id"`
}

type analyzeResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	ctx := c.Request.Context()
	var model schemas.ModelConfig
	var err error
	if req.ModelID != "" {
		model, err = s.stores.Models.GetModel(ctx, req.ModelID)
	} else {
		model, err = s.stores.Models.DefaultModel(ctx)
		if errors.Is(err, schemas.ErrModelNotFound) {
			err = jobs.ErrNoModel
		}
	}
	if err != nil {
		fail(c, err)
		return
	}

	jobID, err := s.orchestrator.Submit(ctx, c.Param("pid"), model, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, analyzeResponse{JobID: jobID})
}

func (s *Server) handleCleanup(c *gin.Context) {
	result, err := s.cleaner.Cleanup(c.Request.Context(), c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// -- Export / Import --

func (s *Server) handleExport(c *gin.Context) {
	data, err := store.ExportProject(c.Request.Context(), s.stores.Graph, c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="graphloom-export.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleImport(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}
	p, err := store.ImportProject(c.Request.Context(), s.stores.Graph, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// -- Jobs --

func (s *Server) handleListJobs(c *gin.Context) {
	list, err := s.orchestrator.List(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []schemas.Job{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.orchestrator.Status(c.Request.Context(), c.Param("jid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleJobProgress is the lightweight poll target for running jobs: just
// the progress percentage and status, no message or timestamps.
func (s *Server) handleJobProgress(c *gin.Context) {
	job, err := s.orchestrator.Status(c.Request.Context(), c.Param("jid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schemas.ProgressUpdate{
		JobID:    job.ID,
		Progress: job.Progress,
		Status:   job.Status,
	})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	if err := s.orchestrator.Cancel(c.Request.Context(), c.Param("jid")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// -- Logs --

func (s *Server) handleListLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.stores.Jobs.ListLogs(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	if entries == nil {
		entries = []schemas.LogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// -- Models --

type modelRequest struct {
	Name      string `json:"name" binding:"required"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url" binding:"required"`
	ModelID   string `json:"model_id" binding:"required"`
	IsDefault bool   `json:"is_default"`
}

func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.stores.Models.ListModels(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if models == nil {
		models = []schemas.ModelConfig{}
	}
	// API keys stay server-side.
	for i := range models {
		models[i].APIKey = ""
	}
	c.JSON(http.StatusOK, models)
}

func (s *Server) handleCreateModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "name, base_url, and model_id are required"})
		return
	}
	m, err := s.stores.Models.CreateModel(c.Request.Context(), schemas.ModelConfig{
		Name:      req.Name,
		APIKey:    req.APIKey,
		BaseURL:   req.BaseURL,
		ModelID:   req.ModelID,
		IsDefault: req.IsDefault,
	})
	if err != nil {
		fail(c, err)
		return
	}
	m.APIKey = ""
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleUpdateModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "name, base_url, and model_id are required"})
		return
	}
	id := c.Param("mid")

	// An empty api_key in the request keeps the stored key.
	if req.APIKey == "" {
		existing, err := s.stores.Models.GetModel(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		req.APIKey = existing.APIKey
	}

	err := s.stores.Models.UpdateModel(c.Request.Context(), schemas.ModelConfig{
		ID:        id,
		Name:      req.Name,
		APIKey:    req.APIKey,
		BaseURL:   req.BaseURL,
		ModelID:   req.ModelID,
		IsDefault: req.IsDefault,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteModel(c *gin.Context) {
	if err := s.stores.Models.DeleteModel(c.Request.Context(), c.Param("mid")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTestModel performs one cheap oracle round-trip with the stored
// config and reports whether the endpoint answered.
func (s *Server) handleTestModel(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.stores.Models.GetModel(ctx, c.Param("mid"))
	if err != nil {
		fail(c, err)
		return
	}
	client, err := s.newOracle(m)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	reply, err := client.Probe(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "reply": reply})
}
