package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// KeywordConfig is the file format for overriding the built-in relation-type
// keyword tables at startup, without recompiling. Every list is optional; an
// absent or empty list keeps the built-in table for that purpose.
type KeywordConfig struct {
	Fix       []string `yaml:"fix"`
	Problem   []string `yaml:"problem"`
	Causal    []string `yaml:"causal"`
	Result    []string `yaml:"result"`
	Oppose    []string `yaml:"oppose"`
	Support   []string `yaml:"support"`
	Supersede []string `yaml:"supersede"`
	PartOf    []string `yaml:"part_of"`
	Derives   []string `yaml:"derives"`
}

// LoadKeywordOverrides reads a YAML KeywordConfig from path and replaces the
// matching keyword tables. Call before the graph manager starts classifying;
// the tables are package-level and not guarded for concurrent mutation.
func LoadKeywordOverrides(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read keyword config: %w", err)
	}
	var cfg KeywordConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse keyword config: %w", err)
	}
	ApplyKeywordOverrides(cfg)
	return nil
}

// ApplyKeywordOverrides replaces each non-empty table from cfg.
func ApplyKeywordOverrides(cfg KeywordConfig) {
	if len(cfg.Fix) > 0 {
		fixKeywords = cfg.Fix
	}
	if len(cfg.Problem) > 0 {
		problemKeywords = cfg.Problem
	}
	if len(cfg.Causal) > 0 {
		causalKeywords = cfg.Causal
	}
	if len(cfg.Result) > 0 {
		resultKeywords = cfg.Result
	}
	if len(cfg.Oppose) > 0 {
		opposeKeywords = cfg.Oppose
	}
	if len(cfg.Support) > 0 {
		supportKeywords = cfg.Support
	}
	if len(cfg.Supersede) > 0 {
		supersedeKeywords = cfg.Supersede
	}
	if len(cfg.PartOf) > 0 {
		partOfKeywords = cfg.PartOf
	}
	if len(cfg.Derives) > 0 {
		derivesKeywords = cfg.Derives
	}
}
