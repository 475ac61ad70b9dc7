package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	askApp    string
	askPlain  bool
	askServer string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a natural-language question against an application's database",
	Long: `Ask a natural-language question against a configured application.

The question runs through the full pipeline: relevance check, schema
narrowing, SQL generation, execution with error-driven retries, and a
streamed natural-language answer.

Examples:
  querypilot ask --app shop "How many orders were placed last week?"
  querypilot ask --app shop --plain "Top ten customers by revenue"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askApp, "app", "a", "", "application name (required)")
	askCmd.Flags().BoolVar(&askPlain, "plain", false, "plain streaming output without the live step view")
	askCmd.Flags().StringVar(&askServer, "server", "", "run the turn on a running server instead of in-process")
	_ = askCmd.MarkFlagRequired("app")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := args[0]
	ctx := cmd.Context()

	if askServer != "" {
		return runAskRemote(ctx, askServer, askApp, question)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevelForVerbose()}))

	app, err := storeClient.GetApplication(ctx, askApp)
	if err != nil {
		return fmt.Errorf("load application: %w", err)
	}
	catalog, err := storeClient.GetCatalog(ctx, app.Name)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if len(catalog.Tables) == 0 {
		return fmt.Errorf("application %q has no table catalog; run 'querypilot seed' first", app.Name)
	}
	examples, err := storeClient.ListExamples(ctx, app.Name)
	if err != nil {
		return fmt.Errorf("load examples: %w", err)
	}

	var fineTuned string
	if model, err := storeClient.GetEnabledModel(ctx, app.Name); err == nil && model != nil {
		fineTuned = model.ModelName
	}

	coordinator, executor, _, err := buildCoordinator(metrics.NewCollector(), logger)
	if err != nil {
		return err
	}
	defer executor.Close()

	req := pipeline.Request{
		App:            app,
		Catalog:        catalog,
		Examples:       examples,
		FineTunedModel: fineTuned,
		Question:       question,
	}

	taskID := uuid.New().String()
	if _, err := storeClient.CreateMessage(ctx, taskID, app.Name, taskID, question); err != nil {
		logger.Warn("record message failed", "error", err)
	}

	var outcome *pipeline.Outcome
	if askPlain {
		outcome, err = runAskPlain(ctx, coordinator, req)
	} else {
		outcome, err = runStepView(ctx, coordinator, req)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrCancelled) {
			answer := models.Answer{Summary: "The chat has been cancelled.", DisplayMode: pipeline.DisplayText}
			if cancelErr := storeClient.CancelMessage(ctx, taskID, answer); cancelErr != nil {
				logger.Warn("record cancellation failed", "error", cancelErr)
			}
			fmt.Println("Cancelled.")
			return nil
		}
		return err
	}

	if saveErr := storeClient.CompleteMessage(ctx, taskID,
		outcome.Answer, outcome.OptimizedQuestion, outcome.SQLList,
		outcome.ValidSQL, string(outcome.QueryResult), outcome.StepTimes); saveErr != nil {
		logger.Warn("persist message failed", "error", saveErr)
	}

	return nil
}

// runAskPlain prints step transitions and the answer as they stream, one
// line per update.
func runAskPlain(ctx context.Context, coordinator *pipeline.Coordinator, req pipeline.Request) (*pipeline.Outcome, error) {
	seen := make(map[int]pipeline.Status)
	emit := func(steps []pipeline.Step) error {
		for i, step := range steps {
			if seen[i] == step.Status {
				continue
			}
			seen[i] = step.Status
			fmt.Printf("[%s] %s\n", step.Status, step.Step)
		}
		return nil
	}

	outcome, err := coordinator.Run(ctx, req, emit)
	if err != nil {
		return nil, err
	}

	fmt.Println()
	if outcome.ValidSQL != "" {
		fmt.Printf("SQL: %s\n\n", outcome.ValidSQL)
	}
	fmt.Println(outcome.Answer.Summary)
	if verbose && len(outcome.QueryResult) > 0 {
		var pretty json.RawMessage = outcome.QueryResult
		if data, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			fmt.Printf("\nResult rows:\n%s\n", data)
		}
	}
	return outcome, nil
}

func logLevelForVerbose() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
