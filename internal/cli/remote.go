package cli

import (
	"context"
	"fmt"

	"github.com/querypilot/querypilot/internal/client"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	statsServer  string
	cancelServer string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show a running server's operation metrics",
	RunE:  runStats,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel an in-flight chat turn on a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	statsCmd.Flags().StringVar(&statsServer, "server", "", "server base URL (default from QUERYPILOT_SERVER_URL)")
	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "server base URL (default from QUERYPILOT_SERVER_URL)")
}

func runStats(cmd *cobra.Command, args []string) error {
	snapshot, err := client.New(statsServer).Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Uptime: %.0fs\n\n", snapshot.UptimeSeconds)
	printOp := func(name string, op *metrics.OperationSnapshot) {
		if op == nil {
			fmt.Printf("%-16s no data\n", name)
			return
		}
		fmt.Printf("%-16s count=%d avg=%.0fms min=%dms max=%dms\n",
			name, op.Count, op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	}
	printOp("pipeline runs", snapshot.PipelineRun)
	printOp("llm generate", snapshot.LLMGenerate)
	printOp("llm stream", snapshot.LLMStream)
	printOp("target queries", snapshot.TargetQuery)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	if err := client.New(cancelServer).Cancel(cmd.Context(), taskID); err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", taskID)
	return nil
}

// runAskRemote streams a turn from a running server instead of running
// the pipeline in-process.
func runAskRemote(ctx context.Context, serverURL, application, question string) error {
	seen := make(map[int]pipeline.Status)
	_, err := client.New(serverURL).Chat(ctx, application, question, "", func(event client.ChatEvent) error {
		switch {
		case event.Err != "":
			return fmt.Errorf("server: %s", event.Err)
		case event.IsCancelled:
			fmt.Println("The chat has been cancelled.")
			return nil
		}
		for i, step := range event.Steps {
			if seen[i] == step.Status {
				continue
			}
			seen[i] = step.Status
			fmt.Printf("[%s] %s\n", step.Status, step.Step)
			if step.IsFinalCompleted && step.Answer != nil {
				fmt.Println()
				if step.ValidSQL != "" {
					fmt.Printf("SQL: %s\n\n", step.ValidSQL)
				}
				fmt.Println(step.Answer.Summary)
			}
		}
		return nil
	})
	return err
}
