// Package migrations embeds the goose migrations for the local queue store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
