// Package migrations embeds the SQL schema migrations so they can be
// applied through golang-migrate's iofs source without shipping loose files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
