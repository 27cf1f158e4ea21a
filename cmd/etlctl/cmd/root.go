package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/jobservice"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "etlctl",
	Short: "etlctl drives crawl-then-transform ETL pipelines",
	Long: `etlctl runs a two-stage ETL pipeline against a job service: a crawler
first, then a transform job that only starts once the crawl has succeeded.

Common workflows:

  Run a whole pipeline in-process and wait for the outcome:
    etlctl run --crawler S3ResultsCrawler --job etl_GPStoDb --arg --s3_output_path=s3://results/gps/

  Drive the stages from an external scheduler, one invocation per step:
    echo '{"crawler_name":"S3ResultsCrawler"}' | etlctl start-crawl
    etlctl poll-crawl --event '{"handle":{...},"attempt":1}'
    etlctl start-job  --event '{"job_name":"etl_GPStoDb"}'
    etlctl poll-job   --event '{"handle":{...},"attempt":1}'

  Create an API key for the HTTP server:
    etlctl keygen --name scheduler --database-url postgres://...

Configuration:
  Flags may also be set through ETLCTL_<FLAG> environment variables or a
  config file. Poll timing defaults come from POLL_INITIAL_DELAY,
  POLL_MAX_DELAY, POLL_BACKOFF_FACTOR, POLL_MAX_ELAPSED and POLL_MAX_RETRIES.
    ETLCTL_JOB_SERVICE   glue (default) or memory
    ETLCTL_REGION        AWS region (falls back to AWS_REGION)
    ETLCTL_GLUE_ENDPOINT override the Glue endpoint, e.g. for LocalStack`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			// Search config in home directory with name ".etlctl"
			viper.AddConfigPath(home)
			viper.SetConfigName(".etlctl")
			viper.SetConfigType("yaml")
		}
	}

	bindEnv()

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

// bindEnv reads ETLCTL_<KEY> for every key, with AWS_REGION as a fallback
// for the region.
func bindEnv() {
	viper.SetEnvPrefix("ETLCTL")
	viper.AutomaticEnv()
	viper.BindEnv("region", "ETLCTL_REGION", "AWS_REGION")
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.etlctl.yaml)")

	rootCmd.PersistentFlags().String("job-service", "glue", "job service backend: glue or memory")
	viper.BindPFlag("job_service", rootCmd.PersistentFlags().Lookup("job-service"))

	rootCmd.PersistentFlags().String("region", "", "AWS region for the glue job service")
	viper.BindPFlag("region", rootCmd.PersistentFlags().Lookup("region"))

	rootCmd.PersistentFlags().String("glue-endpoint", "", "custom Glue endpoint URL")
	viper.BindPFlag("glue_endpoint", rootCmd.PersistentFlags().Lookup("glue-endpoint"))

	rootCmd.PersistentFlags().Duration("max-elapsed", 0, "per-stage time budget (overrides POLL_MAX_ELAPSED)")
	viper.BindPFlag("max_elapsed", rootCmd.PersistentFlags().Lookup("max-elapsed"))

	rootCmd.PersistentFlags().Duration("initial-delay", 0, "first poll interval (overrides POLL_INITIAL_DELAY)")
	viper.BindPFlag("initial_delay", rootCmd.PersistentFlags().Lookup("initial-delay"))
}

// newJobService builds the configured job service. Tests replace it.
var newJobService = func(ctx context.Context) (models.JobService, error) {
	return jobservice.New(ctx, config.JobServiceConfig{
		Kind:     viper.GetString("job_service"),
		Region:   viper.GetString("region"),
		Endpoint: viper.GetString("glue_endpoint"),
	})
}

// pollPolicy starts from the POLL_* environment and applies flag overrides.
func pollPolicy() (stage.Policy, error) {
	p := config.PolicyFromEnv()
	if d := viper.GetDuration("max_elapsed"); d > 0 {
		p.MaxElapsed = d
	}
	if d := viper.GetDuration("initial_delay"); d > 0 {
		p.InitialDelay = d
		if p.MaxDelay < d {
			p.MaxDelay = d
		}
	}
	if err := p.Validate(); err != nil {
		return stage.Policy{}, fmt.Errorf("poll policy: %w", err)
	}
	return p, nil
}
