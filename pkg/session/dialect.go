package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// dialect captures the few places PostgreSQL and SQLite differ.
type dialect struct {
	name       string
	driver     string
	dsn        string
	numbered   bool
	singleConn bool
	pragmas    []string
	// migrationLock serializes concurrent migrators inside a migration transaction.
	migrationLock string
}

// rebind rewrites "?" placeholders into "$n" for drivers that need numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

// parseDSN resolves the dialect from a store DSN.
//
// Supported forms: postgres://..., postgresql://..., sqlite://path,
// sqlite:path, file:path and the special value "memory".
func parseDSN(dsn string) (dialect, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return dialect{}, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}

	if strings.EqualFold(dsn, "memory") {
		return sqliteDialect(":memory:"), nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return dialect{}, fmt.Errorf("%w: parse store dsn: %v", ErrInvalidInput, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return dialect{
			name:          "postgres",
			driver:        "postgres",
			dsn:           dsn,
			numbered:      true,
			migrationLock: "SELECT pg_advisory_xact_lock(7346119)",
		}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimPrefix(dsn, parsed.Scheme+":")
		path = strings.TrimPrefix(path, "//")
		if path == "" {
			return dialect{}, fmt.Errorf("%w: sqlite dsn without path", ErrInvalidInput)
		}
		return sqliteDialect(path), nil
	case "file":
		return sqliteDialect(dsn), nil
	default:
		return dialect{}, fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidInput, parsed.Scheme)
	}
}

func sqliteDialect(path string) dialect {
	return dialect{
		name:       "sqlite",
		driver:     "sqlite3",
		dsn:        path,
		singleConn: true,
		pragmas: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = FULL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		},
	}
}
