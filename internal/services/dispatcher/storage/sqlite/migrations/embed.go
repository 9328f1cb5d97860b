// Package migrations embeds the dispatcher SQLite schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
