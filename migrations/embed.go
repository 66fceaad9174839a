// Package migrations embeds the trace store schema so migrations run from
// any working directory. WithExtraMigrations appends further sets at
// startup; names share one schema_migrations table and must not collide.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
