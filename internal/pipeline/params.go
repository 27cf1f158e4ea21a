package pipeline

import (
	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// Arguments added to every job run started by DefaultJobParams.
const (
	ArgCrawlHandle = "--crawl_handle"
	ArgCrawlerName = "--crawler_name"
)

// DefaultJobParams starts def.Job with def.JobArguments, overlaid by extra,
// plus the handle and crawler name of the crawl that preceded it.
func DefaultJobParams(def config.PipelineDef, extra map[string]string) JobParamsBuilder {
	return func(crawl models.StageResult) models.StartParams {
		args := make(map[string]string, len(def.JobArguments)+len(extra)+2)
		for k, v := range def.JobArguments {
			args[k] = v
		}
		for k, v := range extra {
			args[k] = v
		}
		args[ArgCrawlHandle] = crawl.Handle.ID
		args[ArgCrawlerName] = crawl.Handle.Name

		return models.StartParams{Name: def.Job, Arguments: args}
	}
}
