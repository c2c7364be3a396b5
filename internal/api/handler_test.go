package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/data7/data7/internal/auth"
	"github.com/data7/data7/internal/config"
	"github.com/data7/data7/internal/dataset"
	"github.com/data7/data7/internal/dispatch"
	"github.com/data7/data7/internal/rowsource"
	"github.com/data7/data7/internal/rowsource/rowsourcetest"
	"github.com/data7/data7/internal/rowsource/sqlsource/sqlitetest"
)

func TestHealthEndpoint(t *testing.T) {
	cfg := loadConfig(t, nil)

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := loadConfig(t, nil)

	h := NewHandler(cfg, Dependencies{
		Readiness: ReadinessFromPing(func(context.Context) error {
			return &rowsource.ConnectivityError{Err: errors.New("dial tcp 127.0.0.1:5432: connection refused")}
		}),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("unexpected error envelope %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "data7_") {
		t.Fatalf("metrics status = %d", rr.Code)
	}
}

func TestDownloadCSV(t *testing.T) {
	h := newDatasetHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/d/customers.csv", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("Content-Type = %q", got)
	}
	lines := strings.Split(strings.TrimSuffix(rr.Body.String(), "\r\n"), "\r\n")
	if len(lines) != sqlitetest.CustomerCount+1 {
		t.Fatalf("lines = %d, want %d", len(lines), sqlitetest.CustomerCount+1)
	}
	if lines[1] != "Almeida,Roberto,Riotur" || lines[len(lines)-1] != "Zimmermann,Fynn," {
		t.Fatalf("unexpected first/last rows %q / %q", lines[1], lines[len(lines)-1])
	}
}

func TestDownloadParquet(t *testing.T) {
	h := newDatasetHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/d/customers.parquet", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/vnd.apache.parquet" {
		t.Fatalf("Content-Type = %q", got)
	}
	body := rr.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("PAR1")) || !bytes.HasSuffix(body, []byte("PAR1")) {
		t.Fatalf("body is not a parquet file")
	}
}

func TestDownloadUnsupportedFormat(t *testing.T) {
	h := newDatasetHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/d/customers.xls", nil))

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.Count(rr.Body.String(), "xls is not supported"); got != 1 {
		t.Fatalf("body %q holds the message %d times", rr.Body.String(), got)
	}
}

func TestDownloadUnknownDataset(t *testing.T) {
	h := newDatasetHandler(t, nil)

	for _, path := range []string{"/d/invoices.csv", "/d/customers"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("GET %s status = %d", path, rr.Code)
		}
	}
}

func TestListDatasets(t *testing.T) {
	h := newDatasetHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/datasets", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Datasets []datasetResponse `json:"datasets"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Datasets) != 2 || body.Datasets[0].Basename != "customers" {
		t.Fatalf("datasets = %+v", body.Datasets)
	}
	if got := body.Datasets[0].URLs["parquet"]; got != "/d/customers.parquet" {
		t.Fatalf("parquet url = %q", got)
	}
}

func TestDatasetRoutesRequireAuth(t *testing.T) {
	h := newDatasetHandler(t, map[string]string{"DATA7_AUTH_REQUIRED": "true"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/d/customers.csv", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/d/employees.csv", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("out of scope status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/d/customers.csv", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("auth status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health should stay public, status = %d", rr.Code)
	}
}

func TestDownloadGzip(t *testing.T) {
	h := newDatasetHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/d/customers.csv", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("csv Content-Encoding = %q, want gzip", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/d/customers.parquet", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("parquet Content-Encoding = %q, want none", got)
	}
}

func TestDownloadFailureBeforeFirstFragment(t *testing.T) {
	query := "SELECT * FROM invoices"
	source := rowsourcetest.New(map[string]rowsourcetest.Result{
		query: {Err: &rowsource.ConnectivityError{Err: errors.New("connection refused")}},
	})
	registry := dataset.NewRegistry([]dataset.Dataset{{Basename: "invoices", Query: query}})
	h := NewHandler(loadConfig(t, nil), Dependencies{Dispatcher: dispatch.New(registry, source, dispatch.Options{}, nil)})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/d/invoices.csv", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestDownloadFailureAfterFirstFragmentTruncates(t *testing.T) {
	query := "SELECT * FROM invoices"
	result := rowsourcetest.Result{
		Columns:       []string{"id"},
		FetchErrAfter: 10,
		FetchErr:      errors.New("server closed the connection unexpectedly"),
	}
	for i := 0; i < 30; i++ {
		result.Rows = append(result.Rows, []any{int64(i)})
	}
	source := rowsourcetest.New(map[string]rowsourcetest.Result{query: result})
	registry := dataset.NewRegistry([]dataset.Dataset{{Basename: "invoices", Query: query}})
	cfg := loadConfig(t, map[string]string{"DATA7_HTTP_GZIP": "false"})
	dispatcher := dispatch.New(registry, source, dispatch.Options{ChunkSize: 10}, nil)

	server := httptest.NewServer(NewHandler(cfg, Dependencies{Dispatcher: dispatcher}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/d/invoices.csv")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("expected truncated body, read %q", body)
	}
	if !strings.HasPrefix(string(body), "id\r\n0\r\n") {
		t.Fatalf("partial body = %q", body)
	}
	if open := source.OpenCursors(); open != 0 {
		t.Fatalf("open cursors = %d after aborted stream", open)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	calls := 0
	check := CombineReadinessChecks(
		func(context.Context) error { calls++; return errors.New("database down") },
		nil,
		func(context.Context) error { calls++; return nil },
	)
	if err := check(context.Background()); err == nil {
		t.Fatal("expected readiness failure")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func newDatasetHandler(t *testing.T, env map[string]string) http.Handler {
	t.Helper()
	cfg := loadConfig(t, env)
	source := sqlitetest.Open(t, 4)
	registry, err := dataset.Populate(context.Background(), source, []dataset.Dataset{
		{Basename: "customers", Query: sqlitetest.CustomersQuery, IndexColumns: []string{"last_name", "first_name"}},
		{Basename: "employees", Query: sqlitetest.EmployeesQuery},
	}, dataset.PopulateOptions{})
	if err != nil {
		t.Fatalf("Populate() error = %v", err)
	}

	deps := Dependencies{
		Dispatcher: dispatch.New(registry, source, dispatch.Options{ChunkSize: 10}, nil),
		Readiness:  ReadinessFromPing(source.Ping),
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator("k1:analytics:customers")
		if err != nil {
			t.Fatalf("validator setup failed: %v", err)
		}
		deps.AuthMiddleware = auth.Middleware(nil, validator)
	}
	return NewHandler(cfg, deps)
}

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("data7", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
