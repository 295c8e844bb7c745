package migration

import (
	"fmt"
	"strings"
)

// NewMigratorFromDatabaseURL creates a migrator from the gateway's single
// DATABASE_URL setting. The URL scheme selects the driver:
// postgres://..., mysql://... (or user:pass@tcp(...)/db form), or
// sqlite://path (also accepts a bare file path / ":memory:").
func NewMigratorFromDatabaseURL(databaseURL string) (*DefaultMigrator, error) {
	dbType, err := databaseTypeFromURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  databaseURL,
		TableName:    "schema_migrations",
	})
}

func databaseTypeFromURL(databaseURL string) (DatabaseType, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DatabaseTypePostgres, nil
	case strings.HasPrefix(databaseURL, "mysql://"), strings.Contains(databaseURL, "@tcp("):
		return DatabaseTypeMySQL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"), strings.HasPrefix(databaseURL, "file:"),
		databaseURL == ":memory:", strings.HasSuffix(databaseURL, ".db"), strings.HasSuffix(databaseURL, ".sqlite"):
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("cannot infer database type from url %q", databaseURL)
	}
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
