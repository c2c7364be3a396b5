// Package dispatch resolves requested file names to datasets and copies the
// encoded stream to a writer, one fragment at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/data7/data7/internal/dataset"
	"github.com/data7/data7/internal/observability"
	"github.com/data7/data7/internal/rowsource"
	"github.com/data7/data7/internal/stream"
)

type Options struct {
	ChunkSize         int
	SchemaSnifferSize int
	Compression       string
}

type Dispatcher struct {
	registry *dataset.Registry
	source   rowsource.Source
	options  Options
	logger   *slog.Logger
}

func New(registry *dataset.Registry, source rowsource.Source, options Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{registry: registry, source: source, options: options, logger: logger}
}

func (d *Dispatcher) Registry() *dataset.Registry {
	return d.registry
}

// Resolve splits filename into basename and extension. The extension is
// checked first, so an unsupported format wins over an unknown basename.
func (d *Dispatcher) Resolve(filename string) (dataset.Dataset, stream.Format, error) {
	basename, ext, ok := strings.Cut(filename, ".")
	if !ok || basename == "" || ext == "" {
		return dataset.Dataset{}, "", fmt.Errorf("%w: %q has no extension", dataset.ErrUnknownDataset, filename)
	}
	format, ok := stream.ParseFormat(ext)
	if !ok {
		return dataset.Dataset{}, "", &dataset.UnsupportedFormatError{Ext: ext}
	}
	ds, err := d.registry.Get(basename)
	if err != nil {
		return dataset.Dataset{}, "", err
	}
	return ds, format, nil
}

func (d *Dispatcher) Open(ctx context.Context, ds dataset.Dataset, format stream.Format) (*stream.Stream, error) {
	return stream.Open(ctx, d.source, ds.Query, format, stream.Options{
		ChunkSize:         d.options.ChunkSize,
		SchemaSnifferSize: d.options.SchemaSnifferSize,
		Compression:       d.options.Compression,
		IndexColumns:      ds.IndexColumns,
	})
}

type Result struct {
	Rows      int64
	Bytes     int64
	Fragments int
	// Started is true once the first fragment reached the writer. Errors
	// after that point can only be signalled by cutting the transfer short.
	Started bool
}

// Copy writes every fragment of s to w in order and flushes after each one,
// so the next chunk is only fetched once the previous fragment was handed
// over. start runs right before the first write.
func Copy(ctx context.Context, w io.Writer, s *stream.Stream, start func()) (Result, error) {
	defer s.Close()

	var result Result
	for {
		fragment, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			result.Rows = s.Rows()
			return result, nil
		}
		if err != nil {
			result.Rows = s.Rows()
			return result, err
		}
		if !result.Started {
			if start != nil {
				start()
			}
			result.Started = true
		}
		n, err := w.Write(fragment)
		result.Bytes += int64(n)
		if err != nil {
			result.Rows = s.Rows()
			return result, fmt.Errorf("write fragment: %w", err)
		}
		result.Fragments++
		if err := flush(w); err != nil {
			result.Rows = s.Rows()
			return result, fmt.Errorf("flush fragment: %w", err)
		}
	}
}

// Serve opens ds in format and copies it to w, recording metrics and logs
// for the whole transfer.
func (d *Dispatcher) Serve(ctx context.Context, w io.Writer, ds dataset.Dataset, format stream.Format, start func()) (Result, error) {
	logger := observability.StreamLogger(ctx, d.logger, ds.Basename, string(format))
	begin := time.Now()

	s, err := d.Open(ctx, ds, format)
	if err != nil {
		d.finish(logger, ds, format, Result{}, err, begin)
		return Result{}, err
	}
	logger.DebugContext(ctx, "stream opened")
	result, err := Copy(ctx, w, s, start)
	d.finish(logger, ds, format, result, err, begin)
	return result, err
}

func (d *Dispatcher) finish(logger *slog.Logger, ds dataset.Dataset, format stream.Format, result Result, err error, begin time.Time) {
	elapsed := time.Since(begin)
	status := observability.StreamStatusOK
	attrs := []any{
		slog.Int64("rows", result.Rows),
		slog.Int64("bytes", result.Bytes),
		slog.Int("fragments", result.Fragments),
		slog.String("duration", elapsed.String()),
	}
	switch {
	case err == nil:
		logger.Info("stream finished", attrs...)
	case IsCancelled(err):
		status = observability.StreamStatusCancelled
		logger.Debug("stream cancelled", append(attrs, slog.Any("error", err))...)
	default:
		status = observability.StreamStatusFailed
		logger.Error("stream failed", append(attrs, slog.Bool("started", result.Started), slog.Any("error", err))...)
	}
	observability.ObserveStream(ds.Basename, string(format), status, result.Rows, result.Bytes, elapsed)
}

// IsCancelled reports whether err only means the consumer went away.
func IsCancelled(err error) bool {
	return errors.Is(err, stream.ErrCancelled) || errors.Is(err, context.Canceled)
}

func flush(w io.Writer) error {
	switch flusher := w.(type) {
	case http.ResponseWriter:
		err := http.NewResponseController(flusher).Flush()
		if errors.Is(err, http.ErrNotSupported) {
			return nil
		}
		return err
	case interface{ Flush() error }:
		return flusher.Flush()
	case http.Flusher:
		flusher.Flush()
	}
	return nil
}
