// -- cmd/app.go --
package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/config"
	"github.com/arkadich/graphloom/internal/graph"
	"github.com/arkadich/graphloom/internal/jobs"
	"github.com/arkadich/graphloom/internal/observability"
	"github.com/arkadich/graphloom/internal/oracle"
	"github.com/arkadich/graphloom/internal/store"
)

// app bundles the wired pipeline components shared by the subcommands.
type app struct {
	cfg          *config.Config
	store        *store.Store
	merger       *graph.Merger
	cleaner      *graph.Cleaner
	orchestrator *jobs.Orchestrator
	factory      schemas.OracleFactory
	log          *zap.Logger
}

// newApp opens the database and wires the full pipeline from the loaded
// configuration.
func newApp() (*app, error) {
	if appCfg == nil {
		return nil, fmt.Errorf("configuration was not initialized")
	}
	logger := observability.GetLogger()

	st, err := store.Open(appCfg.Storage.Path, appCfg.Analysis.LogRetention, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	factory := oracle.Factory(oracle.Options{
		Timeout:           appCfg.Oracle.APITimeout,
		RequestsPerMinute: appCfg.Oracle.RequestsPerMinute,
	}, logger)

	merger := graph.NewMerger(st, logger)
	orch := jobs.NewOrchestrator(st, merger, factory, jobs.Options{
		ChunkSize:    appCfg.Analysis.ChunkSize,
		SystemPrompt: appCfg.Oracle.SystemPrompt,
	}, logger)

	return &app{
		cfg:          appCfg,
		store:        st,
		merger:       merger,
		cleaner:      graph.NewCleaner(st, logger),
		orchestrator: orch,
		factory:      factory,
		log:          logger,
	}, nil
}

// Close stops running jobs and releases the database.
func (a *app) Close() {
	a.orchestrator.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close store", zap.Error(err))
	}
}
