package config

import (
	"fmt"
	"os"

	"ingestpipe/internal/util"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads, parses, and validates the admin-entity YAML file.
// It applies defaults before returning the validated configuration.
func LoadConfig(filename string) (*AdminConfig, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filename, err)
	}

	var cfg AdminConfig
	if err := yaml.Unmarshal(fileBytes, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", filename, err)
	}

	applyDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	cfg.Database.DSN = util.ExpandEnvUniversal(cfg.Database.DSN)

	return &cfg, nil
}

// applyDefaults sets default values across the admin configuration.
func applyDefaults(cfg *AdminConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}

	for pi := range cfg.Partners {
		partner := &cfg.Partners[pi]
		for fi := range partner.FileTypes {
			ft := &partner.FileTypes[fi]
			if ft.RequireUploadReview == "" {
				ft.RequireUploadReview = ReviewPolicyNever
			}
			if ft.UploadBatchSize <= 0 {
				ft.UploadBatchSize = DefaultMaxPendingRecords
			}
		}
	}
}
