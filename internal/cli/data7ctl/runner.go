// Package data7ctl implements the data7ctl command line: it drives the same
// dataset registry and dispatcher as the server, without HTTP.
package data7ctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/data7/data7/internal/config"
	"github.com/data7/data7/internal/dataset"
	"github.com/data7/data7/internal/dispatch"
	"github.com/data7/data7/internal/observability"
	"github.com/data7/data7/internal/rowsource/sqlsource"
	"github.com/data7/data7/internal/storage"
	s3store "github.com/data7/data7/internal/storage/s3"
	"github.com/data7/data7/internal/stream"
)

const (
	exitOK         = 0
	exitIncomplete = 1
	exitInvalid    = 2
)

type Options struct {
	Lookup config.LookupFunc
	Stdout io.Writer
	Stderr io.Writer
	// OpenObjectStore defaults to the S3 store built from configuration.
	OpenObjectStore func(ctx context.Context, cfg config.ObjectStoreConfig) (storage.ObjectStore, error)
	Now             func() time.Time
}

type runner struct {
	opts         Options
	stdout       io.Writer
	stderr       io.Writer
	datasetsFile string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	r := &runner{opts: defaults, stdout: defaults.Stdout, stderr: defaults.Stderr}
	if r.stdout == nil {
		r.stdout = io.Discard
	}
	if r.stderr == nil {
		r.stderr = io.Discard
	}
	if r.opts.Lookup == nil {
		r.opts.Lookup = os.LookupEnv
	}
	if r.opts.OpenObjectStore == nil {
		r.opts.OpenObjectStore = openS3Store
	}
	if r.opts.Now == nil {
		r.opts.Now = time.Now
	}

	fs := flag.NewFlagSet("data7ctl", flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	fs.StringVar(&r.datasetsFile, "datasets", "", "datasets file (overrides DATA7_DATASETS_FILE)")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	if fs.NArg() < 1 {
		writeUsage(r.stderr)
		return exitInvalid
	}

	command, rest := strings.TrimSpace(fs.Arg(0)), fs.Args()[1:]
	switch command {
	case "init":
		return r.initDatasets(rest)
	case "check":
		return r.check(ctx)
	case "datasets":
		return r.datasets(ctx)
	case "stream":
		return r.stream(ctx, rest)
	case "publish":
		return r.publish(ctx, rest)
	case "unpublish":
		return r.unpublish(ctx, rest)
	default:
		_, _ = fmt.Fprintf(r.stderr, "unknown command %q\n\n", command)
		writeUsage(r.stderr)
		return exitInvalid
	}
}

const datasetsTemplate = `# Every dataset is served as <root>/<basename>.csv and <root>/<basename>.parquet.
# Queries are validated once at startup; a query that fails is dropped.
datasets:
  - basename: customers
    query: SELECT * FROM customers
    # Recorded in the Parquet footer under data7.index_columns.
    index_columns: [id]

# A section named after DATA7_PROFILE replaces the list above.
# prod:
#   datasets:
#     - basename: customers
#       query: SELECT * FROM customers
`

func (r *runner) initDatasets(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}

	path := firstNonEmpty(fs.Arg(0), r.datasetsFile)
	if path == "" {
		path = "data7.yaml"
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if *force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			_, _ = fmt.Fprintf(r.stderr, "%s already exists, use -force to overwrite it\n", path)
			return exitIncomplete
		}
		_, _ = fmt.Fprintf(r.stderr, "create %s: %v\n", path, err)
		return exitIncomplete
	}
	if _, err := io.WriteString(file, datasetsTemplate); err != nil {
		_ = file.Close()
		_, _ = fmt.Fprintf(r.stderr, "write %s: %v\n", path, err)
		return exitIncomplete
	}
	if err := file.Close(); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "write %s: %v\n", path, err)
		return exitIncomplete
	}
	_, _ = fmt.Fprintf(r.stdout, "wrote %s\n", path)
	return exitOK
}

// check validates every dataset and reports all of them instead of stopping
// at the first rejected query.
func (r *runner) check(ctx context.Context) int {
	env, code := r.load(ctx)
	if env == nil {
		return code
	}
	defer env.close()

	rejected := 0
	for _, ds := range dataset.FromDefinitions(env.definitions) {
		validated, err := dataset.Validate(ctx, env.source, ds)
		var connectivity *dataset.ConnectivityError
		switch {
		case errors.As(err, &connectivity):
			_, _ = fmt.Fprintf(r.stderr, "database unreachable: %v\n", err)
			return exitIncomplete
		case err != nil:
			rejected++
			_, _ = fmt.Fprintf(r.stdout, "FAIL  %s: %v\n", ds.Basename, unwrapValidation(err))
		default:
			_, _ = fmt.Fprintf(r.stdout, "ok    %s (%s)\n", ds.Basename, strings.Join(validated.Columns, ", "))
		}
	}
	if rejected > 0 {
		_, _ = fmt.Fprintf(r.stderr, "%d of %d datasets rejected\n", rejected, len(env.definitions))
		return exitIncomplete
	}
	return exitOK
}

func (r *runner) datasets(ctx context.Context) int {
	env, code := r.load(ctx)
	if env == nil {
		return code
	}
	defer env.close()

	registry, code := env.populate(ctx)
	if registry == nil {
		return code
	}
	tw := tabwriter.NewWriter(r.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BASENAME\tCOLUMNS\tINDEX")
	for _, ds := range registry.List() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", ds.Basename, strings.Join(ds.Columns, ","), strings.Join(ds.IndexColumns, ","))
	}
	_ = tw.Flush()
	return exitOK
}

func (r *runner) stream(ctx context.Context, args []string) int {
	if len(args) != 2 {
		_, _ = fmt.Fprintln(r.stderr, "usage: data7ctl stream <basename> <format>")
		return exitInvalid
	}
	env, code := r.load(ctx)
	if env == nil {
		return code
	}
	defer env.close()

	dispatcher, ds, format, code := env.resolve(ctx, args[0], args[1])
	if dispatcher == nil {
		return code
	}
	if _, err := dispatcher.Serve(ctx, r.stdout, ds, format, nil); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "stream %s.%s: %v\n", ds.Basename, format.Ext(), err)
		return exitIncomplete
	}
	return exitOK
}

func (r *runner) publish(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	snapshot := fs.Bool("snapshot", false, "publish under a dated key instead of <basename>.<ext>")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	if fs.NArg() != 2 {
		_, _ = fmt.Fprintln(r.stderr, "usage: data7ctl publish [-snapshot] <basename> <format>")
		return exitInvalid
	}
	env, code := r.load(ctx)
	if env == nil {
		return code
	}
	defer env.close()

	dispatcher, ds, format, code := env.resolve(ctx, fs.Arg(0), fs.Arg(1))
	if dispatcher == nil {
		return code
	}

	var at time.Time
	if *snapshot {
		at = r.opts.Now()
	}
	key, err := storage.BuildDatasetKey(ds.Basename, format.Ext(), at)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "%v\n", err)
		return exitInvalid
	}
	store, err := r.opts.OpenObjectStore(ctx, env.cfg.ObjectStore)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "object store: %v\n", err)
		return exitIncomplete
	}

	info, err := storage.Publish(ctx, store, key, storage.PutOptions{
		ContentType: format.ContentType(),
		Metadata:    map[string]string{"dataset": ds.Basename, "format": string(format)},
	}, func(ctx context.Context, w io.Writer) error {
		_, err := dispatcher.Serve(ctx, w, ds, format, nil)
		return err
	})
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "publish %s: %v\n", key, err)
		return exitIncomplete
	}
	_, _ = fmt.Fprintf(r.stdout, "published %s (%d bytes, etag %s)\n", key, info.Size, info.ETag)
	return exitOK
}

// unpublish removes a published file. It needs only the object store, so a
// dataset dropped from the datasets file can still be cleaned up.
func (r *runner) unpublish(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("unpublish", flag.ContinueOnError)
	fs.SetOutput(r.stderr)
	at := fs.String("at", "", "remove the snapshot taken at this RFC 3339 time instead of <basename>.<ext>")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	if fs.NArg() != 2 {
		_, _ = fmt.Fprintln(r.stderr, "usage: data7ctl unpublish [-at time] <basename> <format>")
		return exitInvalid
	}
	format, ok := stream.ParseFormat(fs.Arg(1))
	if !ok {
		_, _ = fmt.Fprintf(r.stderr, "unsupported format %q\n", fs.Arg(1))
		return exitInvalid
	}
	var snapshot time.Time
	if *at != "" {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			_, _ = fmt.Fprintf(r.stderr, "invalid -at: %v\n", err)
			return exitInvalid
		}
		snapshot = parsed
	}
	key, err := storage.BuildDatasetKey(fs.Arg(0), format.Ext(), snapshot)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "%v\n", err)
		return exitInvalid
	}

	cfg, err := config.Load("data7ctl", r.opts.Lookup)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "%v\n", err)
		return exitInvalid
	}
	store, err := r.opts.OpenObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "object store: %v\n", err)
		return exitIncomplete
	}
	info, err := store.Stat(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		_, _ = fmt.Fprintf(r.stderr, "nothing published at %s\n", key)
		return exitIncomplete
	}
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "unpublish %s: %v\n", key, err)
		return exitIncomplete
	}
	if err := store.Delete(ctx, key); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "unpublish %s: %v\n", key, err)
		return exitIncomplete
	}
	_, _ = fmt.Fprintf(r.stdout, "removed %s (%d bytes, etag %s)\n", key, info.Size, info.ETag)
	return exitOK
}

type environment struct {
	cfg         config.Config
	definitions []config.DatasetDefinition
	source      *sqlsource.Source
	logger      *slog.Logger
}

func (r *runner) load(ctx context.Context) (*environment, int) {
	cfg, err := config.Load("data7ctl", r.opts.Lookup)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "%v\n", err)
		return nil, exitInvalid
	}
	path := firstNonEmpty(r.datasetsFile, cfg.Datasets.File)
	definitions, err := config.LoadDatasets(path, cfg.Profile)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "%v\n", err)
		if errors.Is(err, os.ErrNotExist) {
			_, _ = fmt.Fprintln(r.stderr, "run `data7ctl init` to create one")
			return nil, exitIncomplete
		}
		return nil, exitInvalid
	}

	source, err := sqlsource.Open(ctx, sqlsource.DBConfig{
		URL:             cfg.Database.URL,
		Driver:          cfg.Database.Driver,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "database: %v\n", err)
		return nil, exitIncomplete
	}
	return &environment{
		cfg:         cfg,
		definitions: definitions,
		source:      source,
		logger:      observability.NewLogger(cfg, r.stderr),
	}, exitOK
}

func (e *environment) close() {
	_ = e.source.Close()
}

func (e *environment) populate(ctx context.Context) (*dataset.Registry, int) {
	registry, err := dataset.Populate(ctx, e.source, dataset.FromDefinitions(e.definitions), dataset.PopulateOptions{
		EmptyPolicy: dataset.EmptyPolicy(e.cfg.Datasets.EmptyPolicy),
		Concurrency: e.cfg.Datasets.ValidationConcurrency,
		Logger:      e.logger,
	})
	if err != nil {
		e.logger.Error("dataset validation failed", slog.Any("error", err))
		return nil, exitIncomplete
	}
	return registry, exitOK
}

func (e *environment) resolve(ctx context.Context, basename, ext string) (*dispatch.Dispatcher, dataset.Dataset, stream.Format, int) {
	registry, code := e.populate(ctx)
	if registry == nil {
		return nil, dataset.Dataset{}, "", code
	}
	dispatcher := dispatch.New(registry, e.source, dispatch.Options{
		ChunkSize:         e.cfg.Stream.ChunkSize,
		SchemaSnifferSize: e.cfg.Stream.SchemaSnifferSize,
		Compression:       e.cfg.Stream.ParquetCompression,
	}, e.logger)

	ds, format, err := dispatcher.Resolve(basename + "." + ext)
	var unsupported *dataset.UnsupportedFormatError
	switch {
	case errors.As(err, &unsupported):
		e.logger.Error(unsupported.Error())
		return nil, dataset.Dataset{}, "", exitInvalid
	case err != nil:
		e.logger.Error("unknown dataset", slog.String("dataset", basename), slog.Any("error", err))
		return nil, dataset.Dataset{}, "", exitIncomplete
	}
	return dispatcher, ds, format, exitOK
}

func openS3Store(ctx context.Context, cfg config.ObjectStoreConfig) (storage.ObjectStore, error) {
	return s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.Endpoint,
		Region:           cfg.Region,
		Bucket:           cfg.Bucket,
		AccessKeyID:      cfg.AccessKeyID,
		SecretAccessKey:  cfg.SecretAccessKey,
		UseSSL:           cfg.UseSSL,
		Prefix:           cfg.Prefix,
		AutoCreateBucket: cfg.AutoCreateBucket,
	})
}

func unwrapValidation(err error) error {
	var validation *dataset.ValidationError
	if errors.As(err, &validation) && validation.Err != nil {
		return validation.Err
	}
	return err
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: data7ctl [-datasets file] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  init [-force] [file]                 write a datasets file template")
	_, _ = fmt.Fprintln(w, "  check                                validate configuration and every dataset query")
	_, _ = fmt.Fprintln(w, "  datasets                             list the datasets that would be served")
	_, _ = fmt.Fprintln(w, "  stream <basename> <format>           write one dataset file to stdout")
	_, _ = fmt.Fprintln(w, "  publish [-snapshot] <basename> <format>")
	_, _ = fmt.Fprintln(w, "                                       upload one dataset file to object storage")
	_, _ = fmt.Fprintln(w, "  unpublish [-at time] <basename> <format>")
	_, _ = fmt.Fprintln(w, "                                       remove a published dataset file")
	_, _ = fmt.Fprintf(w, "\nformats: %s\n", strings.Join(formatNames(), ", "))
}

func formatNames() []string {
	formats := stream.Formats()
	names := make([]string, 0, len(formats))
	for _, format := range formats {
		names = append(names, format.Ext())
	}
	return names
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}
