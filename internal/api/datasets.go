package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/data7/data7/internal/auth"
	"github.com/data7/data7/internal/dataset"
	"github.com/data7/data7/internal/dispatch"
	"github.com/data7/data7/internal/rowsource"
	"github.com/data7/data7/internal/stream"
)

type datasetResponse struct {
	Basename     string            `json:"basename"`
	Columns      []string          `json:"columns"`
	IndexColumns []string          `json:"index_columns,omitempty"`
	URLs         map[string]string `json:"urls"`
}

func handleListDatasets(deps Dependencies, root string, w http.ResponseWriter, r *http.Request) {
	if deps.Dispatcher == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "DATASETS_UNAVAILABLE", "datasets are not loaded", true, nil)
		return
	}
	identity, hasIdentity := auth.IdentityFromContext(r.Context())

	datasets := deps.Dispatcher.Registry().List()
	items := make([]datasetResponse, 0, len(datasets))
	for _, ds := range datasets {
		if hasIdentity && !identity.CanRead(ds.Basename) {
			continue
		}
		urls := make(map[string]string, len(stream.Formats()))
		for _, format := range stream.Formats() {
			urls[format.Ext()] = fmt.Sprintf("%s/%s.%s", root, ds.Basename, format.Ext())
		}
		items = append(items, datasetResponse{
			Basename:     ds.Basename,
			Columns:      ds.Columns,
			IndexColumns: ds.IndexColumns,
			URLs:         urls,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": items})
}

// handleDownload streams one dataset file. The status line is only sent once
// the first fragment exists, so failures while opening the stream still get
// a proper error status. Failures after that abort the connection and the
// client sees a truncated body.
func handleDownload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Dispatcher == nil {
		writeText(w, http.StatusServiceUnavailable, "datasets are not loaded")
		return
	}
	filename := r.PathValue("filename")
	ds, format, err := deps.Dispatcher.Resolve(filename)
	var unsupported *dataset.UnsupportedFormatError
	switch {
	case errors.As(err, &unsupported):
		writeText(w, http.StatusNotImplemented, unsupported.Error())
		return
	case errors.Is(err, dataset.ErrUnknownDataset):
		writeText(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	case err != nil:
		writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	if identity, ok := auth.IdentityFromContext(r.Context()); ok && !identity.CanRead(ds.Basename) {
		writeText(w, http.StatusForbidden, http.StatusText(http.StatusForbidden))
		return
	}

	start := func() {
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ds.Basename+"."+format.Ext()))
		w.WriteHeader(http.StatusOK)
	}
	result, err := deps.Dispatcher.Serve(r.Context(), w, ds, format, start)
	if err == nil {
		return
	}
	if result.Started {
		panic(http.ErrAbortHandler)
	}
	if dispatch.IsCancelled(err) {
		return
	}

	status := http.StatusInternalServerError
	if rowsource.IsConnectivity(err) {
		status = http.StatusBadGateway
	}
	if deps.Logger != nil {
		deps.Logger.ErrorContext(r.Context(), "dataset stream could not start",
			slog.String("dataset", ds.Basename),
			slog.String("format", string(format)),
			slog.Any("error", err),
		)
	}
	writeText(w, status, http.StatusText(status))
}
