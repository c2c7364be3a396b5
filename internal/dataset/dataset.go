// Package dataset holds the validated, immutable set of datasets a server
// exposes.
package dataset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/data7/data7/internal/config"
)

var ErrUnknownDataset = errors.New("unknown dataset")

type Dataset struct {
	Basename     string   `json:"basename"`
	Query        string   `json:"-"`
	IndexColumns []string `json:"index_columns,omitempty"`
	// Columns is filled by validation with the names the backend reports.
	Columns []string `json:"columns"`
}

func FromDefinitions(definitions []config.DatasetDefinition) []Dataset {
	out := make([]Dataset, 0, len(definitions))
	for _, def := range definitions {
		out = append(out, Dataset{
			Basename:     def.Basename,
			Query:        def.Query,
			IndexColumns: slices.Clone(def.IndexColumns),
		})
	}
	return out
}

// ValidationError means the backend rejected a dataset, or accepted it in a
// shape that cannot be served. The dataset is dropped.
type ValidationError struct {
	Basename string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dataset %q failed validation: %v", e.Basename, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConnectivityError means the backend could not be reached while validating.
// It aborts startup.
type ConnectivityError struct {
	Basename string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("validate dataset %q: %v", e.Basename, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("%s is not supported", e.Ext)
}

// Registry is read-only after construction and safe for concurrent use.
type Registry struct {
	ordered []Dataset
	byName  map[string]int
}

func NewRegistry(datasets []Dataset) *Registry {
	registry := &Registry{
		ordered: make([]Dataset, 0, len(datasets)),
		byName:  make(map[string]int, len(datasets)),
	}
	for _, ds := range datasets {
		if _, ok := registry.byName[ds.Basename]; ok {
			continue
		}
		registry.byName[ds.Basename] = len(registry.ordered)
		registry.ordered = append(registry.ordered, cloneDataset(ds))
	}
	return registry
}

func (r *Registry) Get(basename string) (Dataset, error) {
	index, ok := r.byName[basename]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %q", ErrUnknownDataset, basename)
	}
	return cloneDataset(r.ordered[index]), nil
}

// List returns the datasets in configuration order.
func (r *Registry) List() []Dataset {
	out := make([]Dataset, len(r.ordered))
	for i, ds := range r.ordered {
		out[i] = cloneDataset(ds)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.ordered)
}

func cloneDataset(ds Dataset) Dataset {
	ds.IndexColumns = slices.Clone(ds.IndexColumns)
	ds.Columns = slices.Clone(ds.Columns)
	return ds
}
