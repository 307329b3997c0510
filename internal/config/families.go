// Package config provides loading utilities for the provider family registry.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// FamilyYAML is one provider family entry in the override file. Zero-valued
// fields keep the built-in default for that family.
type FamilyYAML struct {
	ID              string   `yaml:"id"`
	StreamKey       string   `yaml:"stream_key"`
	GroupName       string   `yaml:"group_name"`
	NodeTable       string   `yaml:"node_table"`
	RefusalKeywords []string `yaml:"refusal_keywords"`
	RequestTimeout  string   `yaml:"request_timeout"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
}

// FamiliesYAML represents the structure of family override YAML files.
type FamiliesYAML struct {
	Families []FamilyYAML `yaml:"families"`
}

// LoadFamilies returns the provider registry: the built-in defaults, merged
// with overrides from path when it is non-empty. Unknown family IDs in the
// file are appended as new families.
func LoadFamilies(path string) ([]domain.ProviderFamily, error) {
	families := domain.DefaultFamilies()
	if path == "" {
		return families, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadFamilies: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadFamilies: %w", err)
	}

	var doc FamiliesYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=config.LoadFamilies: parse %s: %w", path, err)
	}

	index := make(map[string]int, len(families))
	for i, f := range families {
		index[f.ID] = i
	}

	for _, entry := range doc.Families {
		if entry.ID == "" {
			return nil, fmt.Errorf("op=config.LoadFamilies: family entry missing id in %s", path)
		}
		fam := domain.ProviderFamily{ID: entry.ID}
		if i, ok := index[entry.ID]; ok {
			fam = families[i]
		}
		if entry.StreamKey != "" {
			fam.StreamKey = entry.StreamKey
		}
		if entry.GroupName != "" {
			fam.GroupName = entry.GroupName
		}
		if entry.NodeTable != "" {
			fam.NodeTable = entry.NodeTable
		}
		if entry.RefusalKeywords != nil {
			fam.RefusalKeywords = entry.RefusalKeywords
		}
		if entry.RequestTimeout != "" {
			d, err := time.ParseDuration(entry.RequestTimeout)
			if err != nil {
				return nil, fmt.Errorf("op=config.LoadFamilies: family %s request_timeout: %w", entry.ID, err)
			}
			fam.RequestTimeout = d
		}
		if entry.MaxConcurrency > 0 {
			fam.MaxConcurrency = entry.MaxConcurrency
		}
		// new families need complete stream wiring to be usable
		if _, ok := index[entry.ID]; !ok {
			if fam.StreamKey == "" || fam.GroupName == "" || fam.NodeTable == "" {
				return nil, fmt.Errorf("op=config.LoadFamilies: new family %s missing stream_key, group_name or node_table", entry.ID)
			}
			if fam.RequestTimeout == 0 {
				fam.RequestTimeout = 120 * time.Second
			}
			if fam.MaxConcurrency == 0 {
				fam.MaxConcurrency = 1
			}
			index[entry.ID] = len(families)
			families = append(families, fam)
			continue
		}
		families[index[entry.ID]] = fam
	}

	return families, nil
}
