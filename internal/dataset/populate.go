package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/data7/data7/internal/rowsource"
)

type EmptyPolicy string

const (
	// EmptyDrop ignores datasets whose query returns no row.
	EmptyDrop EmptyPolicy = "drop"
	// EmptyFail refuses to start when a dataset query returns no row.
	EmptyFail EmptyPolicy = "fail"
)

var errEmptyResult = errors.New("query returned no result")

type PopulateOptions struct {
	EmptyPolicy EmptyPolicy
	// Concurrency bounds the number of validation queries in flight.
	Concurrency int
	Logger      *slog.Logger
}

type validationResult struct {
	dataset Dataset
	err     error
}

// Populate validates every dataset once and returns the registry of those that
// can be served. Rejected queries are dropped with a warning; an unreachable
// backend aborts the whole population.
func Populate(ctx context.Context, source rowsource.Source, datasets []Dataset, opts PopulateOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.EmptyPolicy
	if policy == "" {
		policy = EmptyDrop
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]validationResult, len(datasets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, ds := range datasets {
		group.Go(func() error {
			validated, err := Validate(groupCtx, source, ds)
			var connErr *ConnectivityError
			if errors.As(err, &connErr) {
				return err
			}
			results[i] = validationResult{dataset: validated, err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	active := make([]Dataset, 0, len(results))
	for _, result := range results {
		if result.err == nil {
			active = append(active, result.dataset)
			continue
		}
		if errors.Is(result.err, errEmptyResult) {
			if policy == EmptyFail {
				return nil, result.err
			}
			logger.Warn("dataset query returned no result, dataset will be ignored", "dataset", result.dataset.Basename)
			continue
		}
		logger.Warn("dataset dropped", "dataset", result.dataset.Basename, "error", result.err)
	}

	registry := NewRegistry(active)
	names := make([]string, 0, registry.Len())
	for _, ds := range registry.ordered {
		names = append(names, ds.Basename)
	}
	logger.Info("active datasets", "count", registry.Len(), "datasets", strings.Join(names, ", "))
	return registry, nil
}

// Validate runs one trial read of the dataset query and records the column
// names the backend reports.
func Validate(ctx context.Context, source rowsource.Source, ds Dataset) (Dataset, error) {
	ds = cloneDataset(ds)
	cursor, err := source.Open(ctx, rowsource.Limit(ds.Query, 1))
	if err != nil {
		return ds, classify(ds.Basename, err)
	}
	defer cursor.Close()

	first, err := cursor.Fetch(ctx, 1)
	if err != nil {
		return ds, classify(ds.Basename, err)
	}
	ds.Columns = slices.Clone(cursor.Columns())
	if first.Len() == 0 {
		return ds, &ValidationError{Basename: ds.Basename, Err: errEmptyResult}
	}

	seen := make(map[string]struct{}, len(ds.Columns))
	for _, column := range ds.Columns {
		if _, dup := seen[column]; dup {
			return ds, &ValidationError{Basename: ds.Basename, Err: fmt.Errorf("duplicate column name %q", column)}
		}
		seen[column] = struct{}{}
	}
	for _, column := range ds.IndexColumns {
		if _, ok := seen[column]; !ok {
			return ds, &ValidationError{Basename: ds.Basename, Err: fmt.Errorf("index column %q is not in the result set", column)}
		}
	}
	return ds, nil
}

func classify(basename string, err error) error {
	if rowsource.IsConnectivity(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ConnectivityError{Basename: basename, Err: err}
	}
	return &ValidationError{Basename: basename, Err: err}
}
