package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pentaxis93/talos-telemetry/pkg/dedup"
	"github.com/pentaxis93/talos-telemetry/pkg/detect"
	"github.com/pentaxis93/talos-telemetry/pkg/engine"
	"github.com/pentaxis93/talos-telemetry/pkg/synth"
)

// fileConfig is the YAML configuration schema.
type fileConfig struct {
	DBPath         string `yaml:"db_path"`
	TelemetryPath  string `yaml:"telemetry_path"`
	OpenAIKey      string `yaml:"openai_key"`
	EmbeddingModel string `yaml:"embedding_model"`
	PassTimeoutSec int    `yaml:"pass_timeout_seconds"`

	Dedup struct {
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		LexicalThreshold    float64 `yaml:"lexical_threshold"`
		RetentionDays       int     `yaml:"retention_days"`
		MaxPrune            int     `yaml:"max_prune"`
	} `yaml:"dedup"`

	Synth struct {
		SimilarityThreshold  float64 `yaml:"similarity_threshold"`
		MinClusterSize       int     `yaml:"min_cluster_size"`
		OccurrenceThreshold  int     `yaml:"occurrence_threshold"`
		DecayDays            int     `yaml:"decay_days"`
		CrossDomainThreshold float64 `yaml:"cross_domain_threshold"`
		MaxCrossDomainLinks  int     `yaml:"max_cross_domain_links"`
	} `yaml:"synth"`

	Detect struct {
		RecurrenceThreshold int `yaml:"recurrence_threshold"`
		UnderutilizedDays   int `yaml:"underutilized_days"`
	} `yaml:"detect"`
}

// loadConfig reads the YAML config file when present and fills an engine
// config. A missing file yields pure defaults; OPENAI_API_KEY in the
// environment overrides the file.
func loadConfig(path string) (engine.Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return engine.Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &fc); err != nil {
			return engine.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg := engine.Config{
		DBPath:         fc.DBPath,
		TelemetryPath:  fc.TelemetryPath,
		OpenAIKey:      fc.OpenAIKey,
		EmbeddingModel: fc.EmbeddingModel,
		Dedup: dedup.Config{
			SimilarityThreshold: fc.Dedup.SimilarityThreshold,
			LexicalThreshold:    fc.Dedup.LexicalThreshold,
			RetentionDays:       fc.Dedup.RetentionDays,
			MaxPrune:            fc.Dedup.MaxPrune,
		},
		Synth: synth.Config{
			SimilarityThreshold:  fc.Synth.SimilarityThreshold,
			MinClusterSize:       fc.Synth.MinClusterSize,
			OccurrenceThreshold:  fc.Synth.OccurrenceThreshold,
			DecayDays:            fc.Synth.DecayDays,
			CrossDomainThreshold: fc.Synth.CrossDomainThreshold,
			MaxCrossDomainLinks:  fc.Synth.MaxCrossDomainLinks,
		},
		Detect: detect.Config{
			RecurrenceThreshold: fc.Detect.RecurrenceThreshold,
			UnderutilizedDays:   fc.Detect.UnderutilizedDays,
		},
	}
	if fc.PassTimeoutSec > 0 {
		cfg.PassTimeout = time.Duration(fc.PassTimeoutSec) * time.Second
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "talos.db"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIKey = key
	}
	return cfg, nil
}
