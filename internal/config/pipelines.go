package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPipeline is the name given to the pipeline built from
// GLUE_CRAWLER_NAME and GLUE_JOB_NAME.
const DefaultPipeline = "default"

// PipelineDef names the crawler and job that make up one pipeline.
type PipelineDef struct {
	Name         string            `yaml:"name"`
	Crawler      string            `yaml:"crawler"`
	Job          string            `yaml:"job"`
	JobArguments map[string]string `yaml:"job_arguments"`
}

type pipelinesFile struct {
	Pipelines []PipelineDef `yaml:"pipelines"`
}

func loadPipelines() (map[string]PipelineDef, error) {
	if path := os.Getenv("PIPELINES_FILE"); path != "" {
		return LoadPipelinesFile(path)
	}

	crawler, job := os.Getenv("GLUE_CRAWLER_NAME"), os.Getenv("GLUE_JOB_NAME")
	if crawler == "" || job == "" {
		return map[string]PipelineDef{}, nil
	}
	return map[string]PipelineDef{
		DefaultPipeline: {Name: DefaultPipeline, Crawler: crawler, Job: job},
	}, nil
}

// LoadPipelinesFile reads pipeline definitions from a YAML file.
func LoadPipelinesFile(path string) (map[string]PipelineDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PIPELINES_FILE: %w", err)
	}
	return ParsePipelines(data)
}

// ParsePipelines decodes a pipelines document and checks every entry.
func ParsePipelines(data []byte) (map[string]PipelineDef, error) {
	var doc pipelinesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pipelines: %w", err)
	}

	out := make(map[string]PipelineDef, len(doc.Pipelines))
	for i, p := range doc.Pipelines {
		if p.Name == "" {
			return nil, fmt.Errorf("pipeline %d: name is required", i)
		}
		if p.Crawler == "" {
			return nil, fmt.Errorf("pipeline %q: crawler is required", p.Name)
		}
		if p.Job == "" {
			return nil, fmt.Errorf("pipeline %q: job is required", p.Name)
		}
		if _, dup := out[p.Name]; dup {
			return nil, fmt.Errorf("pipeline %q: defined more than once", p.Name)
		}
		out[p.Name] = p
	}
	return out, nil
}
