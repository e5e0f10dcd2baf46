// Package migrations embeds the SQL schema so it ships inside the binary
// and applies regardless of the working directory.
package migrations

import "embed"

// FS holds every numbered .sql file in this directory, applied in order.
//
//go:embed *.sql
var FS embed.FS
