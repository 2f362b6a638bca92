package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
// The statements are portable between Postgres and SQLite; cmd/migrate and the
// console startup path both apply them through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
