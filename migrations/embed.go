// Package migrations carries the schema migration files in the binary, so
// applying them does not depend on the working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, ordered by filename.
// storage.RunMigrations applies them in that order.
//
//go:embed *.sql
var FS embed.FS
