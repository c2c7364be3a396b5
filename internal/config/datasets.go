package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var basenamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// DatasetDefinition is one entry of the datasets file.
type DatasetDefinition struct {
	Basename     string   `yaml:"basename"`
	Query        string   `yaml:"query"`
	IndexColumns []string `yaml:"index_columns"`
	// Indexes is accepted as an alias of index_columns.
	Indexes []string `yaml:"indexes"`
}

type datasetsFile struct {
	Datasets []DatasetDefinition            `yaml:"datasets"`
	Profiles map[string]datasetsFileSection `yaml:",inline"`
}

type datasetsFileSection struct {
	Datasets []DatasetDefinition `yaml:"datasets"`
}

// LoadDatasets reads the datasets file at path. A section named after the
// active profile replaces the top-level datasets list when present.
func LoadDatasets(path string, profile Profile) ([]DatasetDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Key: "DATA7_DATASETS_FILE", Err: fmt.Errorf("datasets file %q is missing: %w", path, os.ErrNotExist)}
		}
		return nil, &Error{Key: "DATA7_DATASETS_FILE", Err: err}
	}
	return ReadDatasets(bytes.NewReader(raw), profile)
}

func ReadDatasets(r io.Reader, profile Profile) ([]DatasetDefinition, error) {
	var file datasetsFile
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Key: "DATA7_DATASETS_FILE", Err: fmt.Errorf("parse yaml: %w", err)}
	}

	definitions := file.Datasets
	if section, ok := file.Profiles[string(profile)]; ok && len(section.Datasets) > 0 {
		definitions = section.Datasets
	}

	seen := make(map[string]struct{}, len(definitions))
	normalized := make([]DatasetDefinition, 0, len(definitions))
	for index, def := range definitions {
		def.Basename = strings.TrimSpace(def.Basename)
		def.Query = strings.TrimSpace(def.Query)
		if len(def.IndexColumns) == 0 {
			def.IndexColumns = def.Indexes
		}
		def.Indexes = nil

		if !basenamePattern.MatchString(def.Basename) {
			return nil, &Error{Key: "datasets", Err: fmt.Errorf("entry %d: invalid basename %q", index, def.Basename)}
		}
		if def.Query == "" {
			return nil, &Error{Key: "datasets", Err: fmt.Errorf("dataset %q: query is required", def.Basename)}
		}
		if _, ok := seen[def.Basename]; ok {
			return nil, &Error{Key: "datasets", Err: fmt.Errorf("dataset %q is declared twice", def.Basename)}
		}
		seen[def.Basename] = struct{}{}
		for _, column := range def.IndexColumns {
			if strings.TrimSpace(column) == "" {
				return nil, &Error{Key: "datasets", Err: fmt.Errorf("dataset %q: empty index column", def.Basename)}
			}
		}
		normalized = append(normalized, def)
	}
	return normalized, nil
}
