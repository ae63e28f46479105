// Package migrations embeds the SQL schema migrations.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

// FS returns the migration filesystem.
func FS() fs.FS {
	return files
}
