package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

type DBConfig struct {
	URL             string
	Driver          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open creates the process-wide connection pool and checks that the backend
// answers. Ping failures are reported as *rowsource.ConnectivityError.
func Open(ctx context.Context, cfg DBConfig) (*Source, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	driverName, dsn, err := ResolveDriver(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driverName, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	source := New(db, driverName)
	if err := source.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return source, nil
}

// ResolveDriver maps a configured driver name (or, when empty, the URL scheme)
// to a registered database/sql driver and the DSN that driver expects.
func ResolveDriver(driver, rawURL string) (string, string, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	rawURL = strings.TrimSpace(rawURL)
	if driver == "" {
		scheme, _, ok := strings.Cut(rawURL, ":")
		if !ok {
			return "", "", fmt.Errorf("cannot infer database driver from url without scheme")
		}
		driver = strings.ToLower(scheme)
	}

	switch driver {
	case "pgx", "postgres", "postgresql":
		return "pgx", rawURL, nil
	case "libpq":
		return "postgres", rawURL, nil
	case "mysql":
		return "mysql", mysqlDSN(rawURL), nil
	case "sqlite", "sqlite3", "file":
		return "sqlite", trimScheme(rawURL, "sqlite3", "sqlite"), nil
	case "duckdb":
		return "duckdb", trimScheme(rawURL, "duckdb"), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func trimScheme(rawURL string, schemes ...string) string {
	for _, scheme := range schemes {
		for _, prefix := range []string{scheme + "://", scheme + ":"} {
			if strings.HasPrefix(strings.ToLower(rawURL), prefix) {
				return rawURL[len(prefix):]
			}
		}
	}
	return rawURL
}

// mysqlDSN accepts either a native go-sql-driver DSN or a mysql:// URL and
// always enables parseTime so DATETIME columns scan as time.Time.
func mysqlDSN(rawURL string) string {
	dsn := rawURL
	if strings.HasPrefix(strings.ToLower(rawURL), "mysql://") {
		parsed, err := url.Parse(rawURL)
		if err == nil && parsed.Host != "" {
			userInfo := ""
			if parsed.User != nil {
				userInfo = parsed.User.Username()
				if password, ok := parsed.User.Password(); ok {
					userInfo += ":" + password
				}
				userInfo += "@"
			}
			dsn = fmt.Sprintf("%stcp(%s)%s", userInfo, parsed.Host, parsed.EscapedPath())
			if parsed.RawQuery != "" {
				dsn += "?" + parsed.RawQuery
			}
		} else {
			dsn = trimScheme(rawURL, "mysql")
		}
	}
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}
