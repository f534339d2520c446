// Package migrations embeds the SQL migrations for the session cache DB.
package migrations

import "embed"

// FS contains all .sql files in this directory (order matters: 000001, 000002, ...).
//
//go:embed *.sql
var FS embed.FS
