/*
Package migration provides versioned schema migration for the gateway's
persistence store, covering PostgreSQL and MySQL via golang-migrate.

# Overview

SQL migration files for each dialect are embedded with embed.FS and applied
through the golang-migrate engine, giving forward migration, rollback,
step-wise execution, goto-version, and force-version operations. The
embedded migrations create the providers/routes/route_nodes tables
described in internal/store.

SQLite deployments (local development, tests, the default zero-config
path) are not migrated through this package: golang-migrate's sqlite3
database driver unconditionally imports the cgo-based mattn/go-sqlite3
package, which conflicts with this module's pure-Go glebarez/sqlite
driver choice. SQLite schemas are instead created with GORM's AutoMigrate
(see internal/store.AutoMigrate), which is adequate for the single-process,
non-clustered deployments SQLite targets here.

# Core types

  - Migrator: interface defining Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close.
  - DefaultMigrator: the Migrator implementation, wrapping a golang-migrate
    instance and its underlying database connection.
  - Config: migration configuration — database type, connection URL,
    migrations table name, lock timeout.
  - DatabaseType: postgres/mysql/sqlite enum (sqlite accepted for
    completeness but rejected by DefaultMigrator with errSQLiteUnsupported).
  - MigrationStatus / MigrationInfo: migration state snapshots.
  - CLI: a thin command-line wrapper around Migrator with formatted output.

# Capabilities

  - Factory functions: NewMigratorFromDatabaseURL (infers dialect from the
    gateway's DATABASE_URL scheme) and NewMigratorFromURL (explicit dialect).
  - CLI integration: RunUp/RunDown/RunStatus/RunInfo for terminal use.
  - Helpers: ParseDatabaseType parses a dialect string, BuildDatabaseURL
    assembles one from components.
*/
package migration
