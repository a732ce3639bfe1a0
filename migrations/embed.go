// Package migrations embeds the Postgres schema for coord-server.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
