// Package migrations embeds the SQLite schema applied by database.NewDB.
package migrations

import "embed"

// FS holds the conversation and message schema migrations.
//
//go:embed *.sql
var FS embed.FS
