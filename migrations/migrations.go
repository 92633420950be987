// Package migrations embeds the relational schema applied by cmd/migrator.
package migrations

import "embed"

// FS holds the ordered *.sql files at its root.
//
//go:embed *.sql
var FS embed.FS
