// Package migrations embeds the SQL schema shared by the sqlite and postgres drivers.
package migrations

import "embed"

// FS holds the *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
