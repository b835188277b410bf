// -- cmd/analyze.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
)

var analyzeFlags struct {
	projectID   string
	projectName string
	modelID     string
	baseURL     string
	apiKey      string
	modelName   string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <text-file>",
	Short: "Run a one-shot analysis of a text file against a project.",
	Long: `Reads the text file, submits an analysis job, and polls its progress
until it finishes. The target project is selected with --project, or created
fresh with --new-project. The oracle model comes from --model (a stored model
id), from the --base-url/--model-id pair for an ad-hoc endpoint, or from the
stored default model.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading input file: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		projectID := analyzeFlags.projectID
		if projectID == "" {
			if analyzeFlags.projectName == "" {
				return errors.New("either --project or --new-project is required")
			}
			p, err := a.store.CreateProject(ctx, analyzeFlags.projectName)
			if err != nil {
				return err
			}
			projectID = p.ID
			fmt.Printf("created project %s (%s)\n", p.ID, p.Name)
		}

		model, err := resolveModel(ctx, a)
		if err != nil {
			return err
		}

		jobID, err := a.orchestrator.Submit(ctx, projectID, model, string(text))
		if err != nil {
			return err
		}
		fmt.Printf("job %s started\n", jobID)

		job, err := pollJob(ctx, a, jobID)
		if err != nil {
			return err
		}
		fmt.Printf("job %s finished: %s (%d%%)\n", job.ID, job.Status, job.Progress)
		if job.Message != "" {
			fmt.Println(job.Message)
		}
		if job.Status != schemas.JobCompleted {
			return fmt.Errorf("analysis did not complete: %s", job.Status)
		}
		return nil
	},
}

// resolveModel picks the oracle model config in flag-priority order: stored
// id, ad-hoc endpoint flags, stored default.
func resolveModel(ctx context.Context, a *app) (schemas.ModelConfig, error) {
	if analyzeFlags.modelID != "" {
		return a.store.GetModel(ctx, analyzeFlags.modelID)
	}
	if analyzeFlags.baseURL != "" && analyzeFlags.modelName != "" {
		return schemas.ModelConfig{
			Name:    "ad-hoc",
			APIKey:  analyzeFlags.apiKey,
			BaseURL: analyzeFlags.baseURL,
			ModelID: analyzeFlags.modelName,
		}, nil
	}
	m, err := a.store.DefaultModel(ctx)
	if errors.Is(err, schemas.ErrModelNotFound) {
		return schemas.ModelConfig{}, errors.New("no model configured: pass --model, or --base-url and --model-id")
	}
	return m, err
}

// pollJob watches the job until it reaches a terminal state. On Ctrl-C the
// job is cancelled and the final (cancelled) record is returned.
func pollJob(ctx context.Context, a *app, jobID string) (schemas.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Interrupted, cancelling job", zap.String("job_id", jobID))
			if err := a.orchestrator.Cancel(context.Background(), jobID); err != nil {
				return schemas.Job{}, err
			}
			// Keep polling for the terminal record, but stop reacting to
			// the already-fired signal.
			ctx = context.Background()
		case <-ticker.C:
		}

		job, err := a.orchestrator.Status(context.Background(), jobID)
		if err != nil {
			return schemas.Job{}, err
		}
		if job.Progress != lastProgress && !job.Status.Terminal() {
			fmt.Printf("  progress: %d%%\n", job.Progress)
			lastProgress = job.Progress
		}
		if job.Status.Terminal() {
			return job, nil
		}
	}
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFlags.projectID, "project", "p", "", "target project id")
	analyzeCmd.Flags().StringVar(&analyzeFlags.projectName, "new-project", "", "create a project with this name and analyze into it")
	analyzeCmd.Flags().StringVar(&analyzeFlags.modelID, "model", "", "stored model id to use")
	analyzeCmd.Flags().StringVar(&analyzeFlags.baseURL, "base-url", "", "OpenAI-compatible API base URL for an ad-hoc model")
	analyzeCmd.Flags().StringVar(&analyzeFlags.apiKey, "api-key", "", "API key for the ad-hoc model")
	analyzeCmd.Flags().StringVar(&analyzeFlags.modelName, "model-id", "", "provider-side model name for the ad-hoc model")
	rootCmd.AddCommand(analyzeCmd)
}
