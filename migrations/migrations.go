// Package migrations embeds the SQL applied by `fieldflow-server migrate`.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed shared/*.sql tenant/*.sql
var files embed.FS

// Shared returns the migrations for the shared schema.
func Shared() fs.FS {
	return mustSub("shared")
}

// Tenant returns the migrations applied to every tenant_<id> schema.
func Tenant() fs.FS {
	return mustSub("tenant")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
