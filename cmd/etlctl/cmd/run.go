package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/pipeline"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/spf13/cobra"
)

var (
	runPipelinesFile string
	runPipeline      string
	runCrawler       string
	runJob           string
	runArgs          map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a crawl followed by a transform job and wait for the outcome",
	Long: `Run starts the crawler, polls it to a terminal state and, only if it
succeeded, starts the transform job and polls that too.

The pipeline is taken from --pipelines-file/--pipeline or from
--crawler/--job directly. The result is printed as JSON; the command exits
non-zero unless both stages succeeded.`,
	RunE: runPipelineCmd,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPipelinesFile, "pipelines-file", "", "YAML file with pipeline definitions")
	runCmd.Flags().StringVar(&runPipeline, "pipeline", config.DefaultPipeline, "pipeline name within --pipelines-file")
	runCmd.Flags().StringVar(&runCrawler, "crawler", "", "crawler name")
	runCmd.Flags().StringVar(&runJob, "job", "", "transform job name")
	runCmd.Flags().StringToStringVar(&runArgs, "arg", nil, "extra job argument as key=value (repeatable)")
}

func runPipelineCmd(cmd *cobra.Command, args []string) error {
	def, err := resolvePipeline()
	if err != nil {
		return err
	}

	policy, err := pollPolicy()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	svc, err := newJobService(ctx)
	if err != nil {
		return fmt.Errorf("creating job service: %w", err)
	}

	orch := pipeline.NewOrchestrator(stage.NewDriver(svc), policy)
	result, err := orch.Run(ctx, models.StartParams{Name: def.Crawler}, pipeline.DefaultJobParams(def, runArgs))
	if err != nil {
		return fmt.Errorf("pipeline %s abandoned: %w", def.Name, err)
	}

	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}

	if result.OverallState != models.OverallSucceeded {
		if failed := result.FailedStage(); failed != nil {
			return fmt.Errorf("pipeline %s %s: %s stage %s: %s", def.Name, result.OverallState, failed.Handle.Kind, failed.FinalState, failed.Detail)
		}
		return fmt.Errorf("pipeline %s %s", def.Name, result.OverallState)
	}
	return nil
}

// resolvePipeline prefers explicit --crawler/--job over a pipelines file.
func resolvePipeline() (config.PipelineDef, error) {
	if runCrawler != "" || runJob != "" {
		if runCrawler == "" || runJob == "" {
			return config.PipelineDef{}, fmt.Errorf("--crawler and --job must be given together")
		}
		return config.PipelineDef{Name: config.DefaultPipeline, Crawler: runCrawler, Job: runJob}, nil
	}

	if runPipelinesFile == "" {
		return config.PipelineDef{}, fmt.Errorf("either --crawler/--job or --pipelines-file is required")
	}
	defs, err := config.LoadPipelinesFile(runPipelinesFile)
	if err != nil {
		return config.PipelineDef{}, err
	}
	def, ok := defs[runPipeline]
	if !ok {
		return config.PipelineDef{}, fmt.Errorf("pipeline %q not found in %s", runPipeline, runPipelinesFile)
	}
	return def, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
