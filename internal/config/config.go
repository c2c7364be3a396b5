package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Datasets      DatasetsConfig
	Stream        StreamConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Gzip         bool
}

type DatabaseConfig struct {
	URL             string
	Driver          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type DatasetsConfig struct {
	File                  string
	RootURL               string
	EmptyPolicy           string
	ValidationConcurrency int
	Definitions           []DatasetDefinition
}

type StreamConfig struct {
	ChunkSize          int
	SchemaSnifferSize  int
	ParquetCompression string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// Error reports missing or malformed settings. It is always fatal at startup.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: invalid %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, &Error{Err: fmt.Errorf("lookup function is required")}
	}

	profile := ProfileDev
	if raw, ok := lookup("DATA7_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, &Error{Key: "DATA7_PROFILE", Err: fmt.Errorf("unknown profile %q", profile)}
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "DATA7_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "DATA7_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "DATA7_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "DATA7_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "DATA7_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyBool(lookup, "DATA7_HTTP_GZIP", &cfg.HTTP.Gzip) },
		func() error { return applyString(lookup, "DATA7_DATABASE_URL", &cfg.Database.URL) },
		func() error { return applyString(lookup, "DATA7_DATABASE_DRIVER", &cfg.Database.Driver) },
		func() error { return applyInt(lookup, "DATA7_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns) },
		func() error { return applyInt(lookup, "DATA7_DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "DATA7_DATABASE_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "DATA7_DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
		},
		func() error { return applyString(lookup, "DATA7_DATASETS_FILE", &cfg.Datasets.File) },
		func() error { return applyString(lookup, "DATA7_DATASETS_ROOT_URL", &cfg.Datasets.RootURL) },
		func() error { return applyString(lookup, "DATA7_DATASETS_EMPTY_POLICY", &cfg.Datasets.EmptyPolicy) },
		func() error {
			return applyInt(lookup, "DATA7_DATASETS_VALIDATION_CONCURRENCY", &cfg.Datasets.ValidationConcurrency)
		},
		func() error { return applyInt(lookup, "DATA7_STREAM_CHUNK_SIZE", &cfg.Stream.ChunkSize) },
		func() error { return applyInt(lookup, "DATA7_STREAM_SCHEMA_SNIFFER_SIZE", &cfg.Stream.SchemaSnifferSize) },
		func() error {
			return applyString(lookup, "DATA7_STREAM_PARQUET_COMPRESSION", &cfg.Stream.ParquetCompression)
		},
		func() error { return applyString(lookup, "DATA7_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "DATA7_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "DATA7_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "DATA7_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "DATA7_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "DATA7_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "DATA7_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "DATA7_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyBool(lookup, "DATA7_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "DATA7_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "DATA7_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "DATA7_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return &Error{Err: fmt.Errorf("service name is required")}
	}
	if c.HTTP.Address == "" {
		return &Error{Err: fmt.Errorf("http address is required")}
	}
	if !strings.HasPrefix(c.Datasets.RootURL, "/") {
		return &Error{Key: "DATA7_DATASETS_ROOT_URL", Err: fmt.Errorf("must start with '/': %q", c.Datasets.RootURL)}
	}
	switch c.Datasets.EmptyPolicy {
	case "drop", "fail":
	default:
		return &Error{Key: "DATA7_DATASETS_EMPTY_POLICY", Err: fmt.Errorf("expected drop or fail, got %q", c.Datasets.EmptyPolicy)}
	}
	if c.Datasets.ValidationConcurrency <= 0 {
		return &Error{Key: "DATA7_DATASETS_VALIDATION_CONCURRENCY", Err: fmt.Errorf("must be > 0")}
	}
	if c.Stream.ChunkSize <= 0 {
		return &Error{Key: "DATA7_STREAM_CHUNK_SIZE", Err: fmt.Errorf("must be > 0")}
	}
	if c.Stream.SchemaSnifferSize <= 0 {
		return &Error{Key: "DATA7_STREAM_SCHEMA_SNIFFER_SIZE", Err: fmt.Errorf("must be > 0")}
	}
	switch c.Stream.ParquetCompression {
	case "gzip", "snappy", "zstd", "none":
	default:
		return &Error{Key: "DATA7_STREAM_PARQUET_COMPRESSION", Err: fmt.Errorf("unsupported codec %q", c.Stream.ParquetCompression)}
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "data7"},
		HTTP: HTTPConfig{
			Address:     ":8000",
			ReadTimeout: 5 * time.Second,
			// Downloads stream for as long as the backend produces rows.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
			Gzip:         true,
		},
		Database: DatabaseConfig{
			URL:             "sqlite://data7.db",
			MaxOpenConns:    20,
			MaxIdleConns:    20,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Datasets: DatasetsConfig{
			File:                  "data7.yaml",
			RootURL:               "/d",
			EmptyPolicy:           "drop",
			ValidationConcurrency: 4,
		},
		Stream: StreamConfig{
			ChunkSize:          5000,
			SchemaSnifferSize:  1000,
			ParquetCompression: "gzip",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "data7",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18000"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Datasets.EmptyPolicy = "fail"
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return &Error{Key: key, Err: err}
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return &Error{Key: key, Err: err}
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return &Error{Key: key, Err: err}
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return &Error{Key: key, Err: fmt.Errorf("unknown level %q", raw)}
	}
	return nil
}
