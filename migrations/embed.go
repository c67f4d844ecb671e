// Package migrations embeds the schema scripts applied by internal/migrate.
package migrations

import "embed"

//go:embed migration_*.sql
var FS embed.FS
