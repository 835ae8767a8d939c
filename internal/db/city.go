package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MetaDatabase is the cluster database that records imports.
const MetaDatabase = "postgres"

var ErrNoImport = errors.New("no successful import")

// WithDBName returns dsn pointing at database. A dsn without scheme is read
// as postgres://.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// ResolveLatestImportDBName returns the database of the most recent
// successful import whose name contains city.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}
	var name sql.NullString
	err := meta.QueryRowContext(ctx, `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`, city).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && strings.TrimSpace(name.String) == "") {
		return "", fmt.Errorf("%w for city like %q", ErrNoImport, city)
	}
	if err != nil {
		return "", err
	}
	return name.String, nil
}

// LatestImport connects to the meta database of baseDSN's cluster and
// resolves the latest import of city. It returns the database name and a DSN
// for it.
func LatestImport(ctx context.Context, baseDSN, city string) (name, dsn string, err error) {
	metaDSN, err := WithDBName(baseDSN, MetaDatabase)
	if err != nil {
		return "", "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(metaDSN)
	if err != nil {
		return "", "", fmt.Errorf("meta db open: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return "", "", fmt.Errorf("meta db ping: %w", err)
	}
	if name, err = ResolveLatestImportDBName(ctx, meta, city); err != nil {
		return "", "", err
	}
	if dsn, err = WithDBName(baseDSN, name); err != nil {
		return "", "", err
	}
	return name, dsn, nil
}
